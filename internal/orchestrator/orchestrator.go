// Package orchestrator implements the
// at-most-one-active-run-per-user scheduler that turns a submitted prompt
// into a driven child run, relays its streamed output through a Stream
// Broker, classifies the terminal outcome, and dispatches the next queued
// prompt.
//
// Grounded on the original runner's orchestrator.py for the submit/
// cancel/status/run-once/post-run-cleanup lifecycle and the exact Chinese
// status copy, translated from asyncio.Task+asyncio.Lock to a
// context.CancelFunc held per user under a sync.Mutex.
package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/codexgw/internal/codexdriver"
	"github.com/nextlevelbuilder/codexgw/internal/config"
	"github.com/nextlevelbuilder/codexgw/internal/dedup"
	"github.com/nextlevelbuilder/codexgw/internal/eventlog"
	"github.com/nextlevelbuilder/codexgw/internal/models"
	"github.com/nextlevelbuilder/codexgw/internal/sessions"
	"github.com/nextlevelbuilder/codexgw/internal/store"
	"github.com/nextlevelbuilder/codexgw/internal/streambroker"
)

// SendStatusFunc delivers a one-off status line to the user's chat.
type SendStatusFunc func(ctx context.Context, text string) error

// SendStreamFunc delivers one chunk of a run's streamed output.
type SendStreamFunc func(ctx context.Context, text string, final bool) error

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *runHandle) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// jsonlSyncState tracks one resume id's session file across successive
// poll calls: which file, which inode, and how far it has been read.
type jsonlSyncState struct {
	path     string
	inode    uint64
	hasInode bool
	offset   int64
	file     *os.File
}

func (s *jsonlSyncState) reset() {
	if s.file != nil {
		s.file.Close()
	}
	*s = jsonlSyncState{}
}

// Orchestrator owns the active-run bookkeeping for one bot's worth of
// users.
type Orchestrator struct {
	cfg      config.Runtime
	sessions *sessions.Manager
	store    *store.Store
	driver   *codexdriver.Driver
	botID    string

	activeMu    sync.Mutex
	activeTasks map[int64]*runHandle

	jsonlMu     sync.Mutex
	jsonlStates map[string]*jsonlSyncState
}

// New returns an Orchestrator for one bot identity, wired to the given
// session manager, store, and child-process driver.
func New(cfg config.Runtime, sessionMgr *sessions.Manager, st *store.Store, driver *codexdriver.Driver, botID string) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		sessions:    sessionMgr,
		store:       st,
		driver:      driver,
		botID:       botID,
		activeTasks: make(map[int64]*runHandle),
		jsonlStates: make(map[string]*jsonlSyncState),
	}
}

// SubmitPrompt dispatches prompt as a new Run for userID, or — if a Run is
// already active for that user — appends it to the FIFO queue instead.
func (o *Orchestrator) SubmitPrompt(ctx context.Context, userID int64, prompt string, sendStatus SendStatusFunc, sendStream SendStreamFunc) error {
	session, err := o.sessions.GetOrCreate(ctx, o.botID, userID)
	if err != nil {
		return fmt.Errorf("get or create session: %w", err)
	}
	if err := o.store.AppendMessage(ctx, session.SessionID, "user", prompt); err != nil {
		return fmt.Errorf("record message: %w", err)
	}

	o.activeMu.Lock()
	if h, ok := o.activeTasks[userID]; ok && !h.isDone() {
		o.activeMu.Unlock()
		o.sessions.EnqueuePrompt(o.botID, userID, prompt)
		queued := o.sessions.PeekQueueLen(o.botID, userID)
		return sendStatus(ctx, fmt.Sprintf("已收到新指令，当前任务结束后执行。排队中：%d", queued))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.activeTasks[userID] = &runHandle{cancel: cancel, done: done}
	o.activeMu.Unlock()

	resumeID := session.ResumeID
	slog.Info("启动任务", "user_id", userID, "bot_id", o.botID)
	go func() {
		defer close(done)
		o.runOnce(runCtx, userID, prompt, sendStatus, sendStream, resumeID)
	}()
	return nil
}

// CancelRun requests cancellation of userID's active Run, if any.
func (o *Orchestrator) CancelRun(ctx context.Context, userID int64, sendStatus SendStatusFunc) error {
	o.activeMu.Lock()
	h, ok := o.activeTasks[userID]
	if !ok || h.isDone() {
		o.activeMu.Unlock()
		return sendStatus(ctx, "当前没有运行中的任务。")
	}
	h.cancel()
	o.activeMu.Unlock()
	slog.Info("取消任务", "user_id", userID)
	return sendStatus(ctx, "已请求停止当前任务。")
}

// Status reports userID's session state, queue depth, and resume id.
func (o *Orchestrator) Status(ctx context.Context, userID int64, sendStatus SendStatusFunc) error {
	session, err := o.sessions.GetOrCreate(ctx, o.botID, userID)
	if err != nil {
		return fmt.Errorf("get or create session: %w", err)
	}
	queued := o.sessions.PeekQueueLen(o.botID, userID)
	resumeText := session.ResumeID
	if resumeText == "" {
		resumeText = "未设置"
	}
	return sendStatus(ctx, fmt.Sprintf("会话状态：%s，排队指令：%d，resume_id：%s", session.State, queued, resumeText))
}

// IsRunning reports whether userID currently has a RUNNING session.
func (o *Orchestrator) IsRunning(ctx context.Context, userID int64) (bool, error) {
	session, err := o.sessions.GetOrCreate(ctx, o.botID, userID)
	if err != nil {
		return false, fmt.Errorf("get or create session: %w", err)
	}
	return session.State == models.SessionRunning, nil
}

// GetResumeID returns the session's bound resume id, falling back to the
// bot's configured default.
func (o *Orchestrator) GetResumeID(ctx context.Context, userID int64) (string, error) {
	session, err := o.sessions.GetOrCreate(ctx, o.botID, userID)
	if err != nil {
		return "", fmt.Errorf("get or create session: %w", err)
	}
	if session.ResumeID != "" {
		return session.ResumeID, nil
	}
	return o.cfg.ResumeID, nil
}

// SetChatID binds the chat a user's output should be delivered to.
func (o *Orchestrator) SetChatID(ctx context.Context, userID, chatID int64) error {
	_, err := o.sessions.SetChatID(ctx, o.botID, userID, chatID)
	return err
}

// GetLastChatID returns the most recently bound chat id for userID, from
// durable storage.
func (o *Orchestrator) GetLastChatID(ctx context.Context, userID int64) (int64, bool, error) {
	return o.store.GetLastChatIDByUser(ctx, o.botID, userID)
}

// LastResult sends userID's most recently known final assistant message,
// recovering it from the Store or the event log if it is not already cached
// in memory.
func (o *Orchestrator) LastResult(ctx context.Context, userID int64, sendStatus SendStatusFunc, sendStream SendStreamFunc) error {
	session, err := o.sessions.GetOrCreate(ctx, o.botID, userID)
	if err != nil {
		return fmt.Errorf("get or create session: %w", err)
	}
	result := session.LastResult
	if result == "" {
		stored, ok, err := o.store.GetLastResultByUser(ctx, o.botID, userID)
		if err != nil {
			return fmt.Errorf("load last result: %w", err)
		}
		if ok && stored != "" {
			result = stored
			if _, err := o.sessions.SetLastResult(ctx, o.botID, userID, result); err != nil {
				return fmt.Errorf("cache last result: %w", err)
			}
		}
	}
	if result == "" {
		resumeID := session.ResumeID
		if resumeID == "" {
			resumeID = o.cfg.ResumeID
		}
		if resumeID != "" {
			if msg, ok := eventlog.ReadLastAssistantMessage(config.CodexHome(), resumeID); ok {
				result = msg
				if _, err := o.sessions.SetLastResult(ctx, o.botID, userID, result); err != nil {
					return fmt.Errorf("cache last result: %w", err)
				}
			}
		}
	}
	if result == "" {
		return sendStatus(ctx, "暂无可用结果。")
	}
	return sendStream(ctx, result, true)
}

// RetryLast resubmits lastPrompt, if there is one.
func (o *Orchestrator) RetryLast(ctx context.Context, userID int64, lastPrompt string, sendStatus SendStatusFunc, sendStream SendStreamFunc) error {
	if lastPrompt == "" {
		return sendStatus(ctx, "没有可重试的指令。")
	}
	return o.SubmitPrompt(ctx, userID, lastPrompt, sendStatus, sendStream)
}

func (o *Orchestrator) runOnce(ctx context.Context, userID int64, prompt string, sendStatus SendStatusFunc, sendStream SendStreamFunc, resumeID string) {
	session, err := o.sessions.SetState(ctx, o.botID, userID, models.SessionRunning)
	if err != nil {
		slog.Error("failed to mark session running", "error", err)
		return
	}

	run := store.RunRow{
		RunID:     models.NewRunID(),
		SessionID: session.SessionID,
		Status:    models.RunRunning,
		Prompt:    prompt,
		StartedAt: float64(time.Now().UnixNano()) / 1e9,
	}
	if err := o.store.RecordRun(ctx, run); err != nil {
		slog.Error("failed to record run", "error", err)
	}
	o.sessions.SetCurrentRun(o.botID, userID, run.RunID)
	slog.Info("任务开始", "run_id", run.RunID, "user_id", userID, "bot_id", o.botID)

	if err := sendStatus(ctx, "已开始执行。"); err != nil {
		slog.Warn("failed to send start status", "error", err)
	}

	broker := streambroker.New(sendStream, secondsToDuration(o.cfg.StreamFlushIntervalSeconds), o.cfg.MessageChunkLimit)
	broker.Start(ctx)

	var statusOverride string
	var finalMessage string

	onOutput := func(text string, isError bool) {
		if isError && !o.cfg.StreamIncludeStderr {
			return
		}
		broker.Push(text, isError)
	}
	onStatus := func(status string) { statusOverride = status }
	onFinal := func(message string) { finalMessage = message }

	exitCode, runErr := o.driver.Run(ctx, prompt, resumeID, onOutput, onStatus, onFinal)

	switch {
	case errors.Is(runErr, context.Canceled):
		run.Status = models.RunCanceled
		run.Error = "任务被取消"
	case statusOverride == "timeout":
		run.Status = models.RunTimeout
		run.Error = "运行超时"
	case statusOverride == "canceled":
		run.Status = models.RunCanceled
		run.Error = "任务被取消"
	case exitCode != 0:
		run.Status = models.RunError
		run.Error = fmt.Sprintf("退出码 %d", exitCode)
	default:
		run.Status = models.RunDone
	}

	finishedAt := float64(time.Now().UnixNano()) / 1e9
	run.FinishedAt = &finishedAt
	if err := broker.Stop(ctx); err != nil {
		slog.Warn("failed to flush stream broker", "error", err)
	}
	if err := o.store.FinalizeRun(ctx, run.RunID, run.Status, finishedAt, run.Error); err != nil {
		slog.Error("failed to finalize run", "error", err)
	}
	if finalMessage != "" {
		if _, err := o.sessions.SetLastResult(ctx, o.botID, userID, finalMessage); err != nil {
			slog.Error("failed to record last result", "error", err)
		}
	}
	o.sessions.SetCurrentRun(o.botID, userID, "")
	if _, err := o.sessions.SetState(ctx, o.botID, userID, models.SessionIdle); err != nil {
		slog.Error("failed to mark session idle", "error", err)
	}
	slog.Info("任务结束", "run_id", run.RunID, "status", run.Status, "bot_id", o.botID)

	if err := sendStatus(ctx, formatRunSummary(run)); err != nil {
		slog.Warn("failed to send run summary", "error", err)
	}
	o.postRunCleanup(userID, sendStatus, sendStream)
}

func (o *Orchestrator) postRunCleanup(userID int64, sendStatus SendStatusFunc, sendStream SendStreamFunc) {
	o.activeMu.Lock()
	delete(o.activeTasks, userID)
	o.activeMu.Unlock()

	queuedPrompt, ok := o.sessions.DequeuePrompt(o.botID, userID)
	ctx := context.Background()
	if ok {
		if err := o.SubmitPrompt(ctx, userID, queuedPrompt, sendStatus, sendStream); err != nil {
			slog.Error("failed to dispatch queued prompt", "error", err)
		}
		return
	}
	if err := sendStatus(ctx, "等待新指令。"); err != nil {
		slog.Warn("failed to send idle status", "error", err)
	}
}

func formatRunSummary(run store.RunRow) string {
	switch run.Status {
	case models.RunDone:
		return "运行完成。"
	case models.RunCanceled:
		return "运行已取消。"
	case models.RunTimeout:
		return "运行超时。"
	case models.RunError:
		detail := run.Error
		if detail == "" {
			detail = "未知错误"
		}
		return fmt.Sprintf("运行失败：%s", detail)
	default:
		return "运行结束。"
	}
}

func secondsToDuration(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// jsonlMessage is the narrow response_item/message/assistant shape
// poll-external-results cares about; event_msg records are deliberately
// ignored here since those are already relayed live by the Event-log Tailer
// attached to an active Run.
type jsonlMessage struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Payload   struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"payload"`
}

func extractJSONLMessage(line []byte) (ts float64, hasTS bool, text string) {
	var rec jsonlMessage
	if err := json.Unmarshal(line, &rec); err != nil {
		return 0, false, ""
	}
	ts, hasTS = eventlog.ParseTimestamp(rec.Timestamp)
	if rec.Type != "response_item" || rec.Payload.Type != "message" || rec.Payload.Role != "assistant" {
		return ts, hasTS, ""
	}
	var parts []string
	for _, part := range rec.Payload.Content {
		if part.Type == "output_text" && part.Text != "" {
			parts = append(parts, part.Text)
		}
	}
	if len(parts) == 0 {
		return ts, hasTS, ""
	}
	return ts, hasTS, strings.TrimSpace(strings.Join(parts, "\n"))
}

// PollExternalResults incrementally reads userID's session event-log file
// beyond the stored cursor, looking for assistant messages that were not
// delivered by a live Run's Stream Broker — for instance a run that
// finished while the bot process was down. When allowSend is true, newly
// discovered messages are returned for delivery and cached as the session's
// last result; when false (the bot adapter passes false while the user has
// a run in progress), only the cursor advances. On first contact, when no
// cursor is stored yet, the cursor is seeded to the current time and nothing
// is returned, whatever allowSend says, so history is not replayed.
func (o *Orchestrator) PollExternalResults(ctx context.Context, userID int64, allowSend bool) ([]string, error) {
	resumeID, err := o.GetResumeID(ctx, userID)
	if err != nil || resumeID == "" {
		return nil, err
	}
	session, err := o.sessions.GetOrCreate(ctx, o.botID, userID)
	if err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}

	var lastResultHash string
	if session.LastResult != "" {
		lastResultHash = dedup.Hash(session.LastResult)
	}
	lastTS, lastHash, err := o.store.GetEventLogCursorByUser(ctx, o.botID, userID)
	if err != nil {
		return nil, fmt.Errorf("load event log cursor: %w", err)
	}

	path := eventlog.FindSessionFile(config.CodexHome(), resumeID)
	if path == "" {
		return nil, nil
	}

	o.jsonlMu.Lock()
	defer o.jsonlMu.Unlock()
	stateKey := o.botID + ":" + resumeID
	state, ok := o.jsonlStates[stateKey]
	if !ok {
		state = &jsonlSyncState{}
		o.jsonlStates[stateKey] = state
	}

	if state.path != path {
		state.reset()
	}
	if state.file == nil {
		f, err := os.Open(path)
		if err != nil {
			state.reset()
			return nil, nil
		}
		inode, hasInode := eventlog.FileInode(f)
		state.file = f
		state.inode = inode
		state.hasInode = hasInode
		state.path = path
	}

	info, err := os.Stat(path)
	if err != nil {
		state.reset()
		return nil, nil
	}
	if state.hasInode {
		if st, ok := info.Sys().(*syscall.Stat_t); !ok || uint64(st.Ino) != state.inode {
			state.reset()
			return nil, nil
		}
	}
	if info.Size() < state.offset {
		state.reset()
		return nil, nil
	}

	if lastTS == nil && lastHash == "" {
		baseline := float64(time.Now().UnixNano()) / 1e9
		if err := o.store.UpdateSessionEventLogCursor(ctx, session.SessionID, &baseline, ""); err != nil {
			return nil, fmt.Errorf("seed event log cursor: %w", err)
		}
		return nil, nil
	}

	if _, err := state.file.Seek(state.offset, 0); err != nil {
		state.reset()
		return nil, nil
	}

	var messages []string
	updated := false
	consumed := state.offset
	reader := bufio.NewReader(state.file)
	for {
		rawLine, readErr := reader.ReadString('\n')
		if strings.HasSuffix(rawLine, "\n") {
			consumed += int64(len(rawLine))
			line := strings.TrimSpace(rawLine)
			if line != "" {
				ts, hasTS, text := extractJSONLMessage([]byte(line))
				if text != "" && hasTS {
					if lastTS != nil && ts < *lastTS {
						// older than the cursor, skip
					} else {
						digest := dedup.Hash(text)
						switch {
						case lastResultHash != "" && digest == lastResultHash:
							lastTS, lastHash = mergeCursor(lastTS, ts), digest
							updated = true
						case lastHash != "" && digest == lastHash:
							lastTS = mergeCursor(lastTS, ts)
							updated = true
						default:
							if allowSend {
								messages = append(messages, text)
								if _, err := o.sessions.SetLastResult(ctx, o.botID, userID, text); err != nil {
									return nil, fmt.Errorf("cache last result: %w", err)
								}
							}
							lastTS, lastHash = mergeCursor(lastTS, ts), digest
							updated = true
						}
					}
				}
			}
		}
		if readErr != nil {
			break
		}
	}
	state.offset = consumed

	if updated {
		if err := o.store.UpdateSessionEventLogCursor(ctx, session.SessionID, lastTS, lastHash); err != nil {
			return nil, fmt.Errorf("update event log cursor: %w", err)
		}
	}
	return messages, nil
}

func mergeCursor(prev *float64, ts float64) *float64 {
	if prev == nil || ts > *prev {
		v := ts
		return &v
	}
	return prev
}
