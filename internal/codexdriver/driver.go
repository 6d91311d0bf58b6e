// Package codexdriver implements the coding-agent child-process driver:
// spawns the coding-agent child (pipe or PTY), streams its output, answers
// a PTY cursor-position probe, runs three ordered idle watchdogs, and
// recovers a final message when the child goes silent.
//
// Grounded on the original runner's codex_runner.py for argv/env
// construction, the exact idle-watchdog thresholds and ordering, and the
// CPR request/response bytes; structurally on
// wingedpig-trellis/internal/claude/manager.go (subprocess lifecycle,
// fan-out to a shared state, enlarged bufio.Scanner buffer for NDJSON-style
// line reading) and wingedpig-trellis/internal/api/handlers/terminal.go
// (github.com/creack/pty's pty.Start/Read/Write loop shape and
// strings.ToValidUTF8 sanitization of raw PTY bytes).
package codexdriver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/nextlevelbuilder/codexgw/internal/config"
	"github.com/nextlevelbuilder/codexgw/internal/dedup"
	"github.com/nextlevelbuilder/codexgw/internal/eventlog"
)

// OutputFunc receives one line (or recovered block) of child output.
type OutputFunc func(text string, isError bool)

// StatusFunc receives a classification token: "timeout" or "canceled".
type StatusFunc func(token string)

// FinalFunc receives the recovered final assistant message, if any.
type FinalFunc func(text string)

var (
	cprRequest  = []byte{0x1b, '[', '6', 'n'}
	cprResponse = []byte{0x1b, '[', '1', ';', '1', 'R'}
)

// Driver drives one coding-agent child process per Run call.
type Driver struct {
	cfg config.Runtime
}

// New returns a Driver configured from cfg.
func New(cfg config.Runtime) *Driver { return &Driver{cfg: cfg} }

// Run spawns the child, streams its output through onOutput, reports
// "timeout"/"canceled" classification via onStatus, and — once the child
// has exited or been forced to stop — attempts to recover a final message
// via onFinal. Returns the child's exit code; a non-nil error is returned
// when the child's pipes or process cannot be set up or started, or when
// ctx was canceled by the caller before the child finished.
func (d *Driver) Run(ctx context.Context, prompt, resumeID string, onOutput OutputFunc, onStatus StatusFunc, onFinal FinalFunc) (int, error) {
	lastMessagePath, err := prepareLastMessageFile()
	if err != nil {
		slog.Warn("failed to reserve final-message temp file", "error", err)
	}
	defer func() {
		if lastMessagePath != "" {
			os.Remove(lastMessagePath)
		}
	}()

	runStartedAt := time.Now()
	args, useExec := d.buildArgsForPrompt(prompt, resumeID, lastMessagePath)
	activeResumeID := resumeID
	if activeResumeID == "" {
		activeResumeID = d.cfg.ResumeID
	}

	if d.cfg.CodexCLIUsePTY && !useExec {
		return d.runPTY(ctx, args, prompt, onOutput, onStatus, onFinal, lastMessagePath, activeResumeID, runStartedAt)
	}
	return d.runPipe(ctx, args, prompt, onOutput, onStatus, onFinal, lastMessagePath, activeResumeID, runStartedAt)
}

func (d *Driver) buildArgsForPrompt(prompt, resumeID, outputLastMessagePath string) (args []string, useExec bool) {
	cfg := d.cfg
	args = []string{cfg.CodexCLICmd}
	activeResumeID := resumeID
	if activeResumeID == "" {
		activeResumeID = cfg.ResumeID
	}

	if activeResumeID != "" {
		args = append(args, "exec")
		if cfg.CodexCLISkipGitCheck {
			args = append(args, "--skip-git-repo-check")
		}
		if outputLastMessagePath != "" {
			args = append(args, "--output-last-message", outputLastMessagePath)
		}
		args = append(args, cfg.CodexCLIArgs...)
		args = append(args, "resume", activeResumeID)
		if cfg.CodexCLIInputMode == "arg" {
			if cfg.CodexCLIApprovalsMode != "" {
				slog.Warn("arg input mode cannot inject /approvals directive, skipping it")
			}
			args = append(args, prompt)
		} else {
			args = append(args, "-")
		}
		return args, true
	}

	if outputLastMessagePath != "" {
		args = append(args, "--output-last-message", outputLastMessagePath)
	}
	args = append(args, cfg.CodexCLIArgs...)
	if cfg.CodexCLIInputMode == "arg" {
		if cfg.CodexCLIApprovalsMode != "" {
			slog.Warn("arg input mode cannot inject /approvals directive, skipping it")
		}
		args = append(args, prompt)
	}
	return args, false
}

func buildInput(approvalsMode, prompt string) string {
	if approvalsMode != "" {
		return fmt.Sprintf("/approvals %s\n%s\n", approvalsMode, prompt)
	}
	return prompt + "\n"
}

func buildEnv() []string {
	env := os.Environ()
	has := func(key string) bool {
		prefix := key + "="
		for _, e := range env {
			if strings.HasPrefix(e, prefix) {
				return true
			}
		}
		return false
	}
	if !has("PROMPT_TOOLKIT_NO_CPR") {
		env = append(env, "PROMPT_TOOLKIT_NO_CPR=1")
	}
	if !has("TERM") {
		env = append(env, "TERM=xterm-256color")
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = fmt.Sprintf("/run/user/%d", os.Getuid())
	}
	if !has("XDG_RUNTIME_DIR") {
		env = append(env, "XDG_RUNTIME_DIR="+runtimeDir)
	}
	busPath := runtimeDir + "/bus"
	if _, err := os.Stat(busPath); err == nil && !has("DBUS_SESSION_BUS_ADDRESS") {
		env = append(env, "DBUS_SESSION_BUS_ADDRESS=unix:path="+busPath)
	}
	return env
}

func prepareLastMessageFile() (string, error) {
	f, err := os.CreateTemp("", "codex-last-message-*.txt")
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()
	return path, nil
}

func readLastMessage(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", false
	}
	return text, true
}

func isContextCompactedText(text string) bool {
	return strings.Contains(strings.ToLower(text), "context compacted")
}

func unixSeconds(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

func secondsToDuration(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// driverState is the mutable state shared between the reader, the idle
// watchdog, the progress ticker, and the event-log tailer for one run.
type driverState struct {
	mu                sync.Mutex
	lastOutputAt      time.Time
	contextCompacted  bool
	forcedDone        bool
	lastMessageSent   string
	fallbackAttempted bool
	sentHashes        map[string]struct{}
}

func newDriverState() *driverState {
	return &driverState{lastOutputAt: time.Now(), sentHashes: make(map[string]struct{})}
}

func (s *driverState) touch() {
	s.mu.Lock()
	s.lastOutputAt = time.Now()
	s.mu.Unlock()
}

func (s *driverState) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastOutputAt)
}

func (s *driverState) markContextCompacted() {
	s.mu.Lock()
	s.contextCompacted = true
	s.mu.Unlock()
}

func (s *driverState) isContextCompacted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextCompacted
}

func (s *driverState) setForcedDone() {
	s.mu.Lock()
	s.forcedDone = true
	s.mu.Unlock()
}

func (s *driverState) isForcedDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forcedDone
}

// tryFallback returns true exactly once: the first caller to invoke it wins
// the right to attempt the event-log fallback read.
func (s *driverState) tryFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallbackAttempted {
		return false
	}
	s.fallbackAttempted = true
	return true
}

func (s *driverState) lastMessageSentEquals(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageSent == text
}

func (s *driverState) setLastMessageSent(text string) {
	s.mu.Lock()
	s.lastMessageSent = text
	s.mu.Unlock()
}

// emitOutput applies the per-run dedup set before delegating to
// onOutput; error output is never deduplicated.
func emitOutput(state *driverState, onOutput OutputFunc, text string, isError bool) {
	if !isError && text != "" {
		h := dedup.Hash(text)
		state.mu.Lock()
		if _, seen := state.sentHashes[h]; seen {
			state.mu.Unlock()
			return
		}
		state.sentHashes[h] = struct{}{}
		state.mu.Unlock()
	}
	onOutput(text, isError)
}

func (d *Driver) emitFinal(onFinal FinalFunc, lastMessagePath, resumeID string, runStartedAt time.Time) {
	if onFinal == nil {
		return
	}
	msg, ok := readLastMessage(lastMessagePath)
	if !ok && resumeID != "" {
		msg, ok = eventlog.ReadLastAssistantMessageAfter(config.CodexHome(), resumeID, unixSeconds(runStartedAt))
	}
	if ok && msg != "" {
		onFinal(msg)
	}
}

// idleWatchdog implements the three ordered idle thresholds: final-result
// idle, no-output idle, post-compaction idle. The first one to trip wins and
// terminates the child.
func idleWatchdog(done <-chan struct{}, cfg config.Runtime, state *driverState, activeResumeID string, runStartedAt time.Time, lastMessagePath string, onOutput OutputFunc, onStatus StatusFunc, terminate func()) {
	checkInterval := secondsToDuration(clamp(cfg.ContextCompactionIdleTimeoutSeconds/2, 0.1, 1.0))
	if checkInterval <= 0 {
		checkInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	fallbackRead := func() (string, bool) {
		if activeResumeID == "" || !state.tryFallback() {
			return "", false
		}
		return eventlog.ReadLastAssistantMessageAfter(config.CodexHome(), activeResumeID, unixSeconds(runStartedAt))
	}

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		select {
		case <-done:
			return
		default:
		}

		idleFor := state.idleFor()

		if cfg.FinalResultIdleTimeoutSeconds > 0 && idleFor >= secondsToDuration(cfg.FinalResultIdleTimeoutSeconds) {
			finalMessage, ok := readLastMessage(lastMessagePath)
			if !ok {
				finalMessage, ok = fallbackRead()
			}
			if ok && finalMessage != "" {
				if !state.lastMessageSentEquals(finalMessage) {
					state.setLastMessageSent(finalMessage)
					emitOutput(state, onOutput, finalMessage, false)
				}
				emitOutput(state, onOutput, "检测到最终结果已输出，自动结束任务。", false)
				state.setForcedDone()
				terminate()
				return
			}
		}

		if cfg.NoOutputIdleTimeoutSeconds > 0 && idleFor >= secondsToDuration(cfg.NoOutputIdleTimeoutSeconds) {
			emitOutput(state, onOutput, "检测到长时间无输出，已自动结束。", false)
			onStatus("timeout")
			state.setForcedDone()
			terminate()
			return
		}

		if !state.isContextCompacted() || cfg.JSONLStreamEvents {
			continue
		}
		if idleFor < secondsToDuration(cfg.ContextCompactionIdleTimeoutSeconds) {
			continue
		}
		lastMessage, ok := readLastMessage(lastMessagePath)
		if !ok {
			lastMessage, ok = fallbackRead()
		}
		if ok && lastMessage != "" && !state.lastMessageSentEquals(lastMessage) {
			state.setLastMessageSent(lastMessage)
			emitOutput(state, onOutput, lastMessage, false)
		}
		emitOutput(state, onOutput, "检测到上下文压缩后无输出，已自动结束。", false)
		onStatus("timeout")
		state.setForcedDone()
		terminate()
		return
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func progressLoop(done <-chan struct{}, cfg config.Runtime, state *driverState, onOutput OutputFunc) {
	interval := secondsToDuration(cfg.ProgressTickIntervalSeconds)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		select {
		case <-done:
			return
		default:
		}
		if idleFor := state.idleFor(); idleFor >= interval {
			onOutput(fmt.Sprintf("进度：运行中，已等待 %d 秒", int(idleFor.Seconds())), false)
		}
	}
}

func jsonlTailer(done <-chan struct{}, cfg config.Runtime, state *driverState, activeResumeID string, onOutput OutputFunc) {
	if !cfg.JSONLStreamEvents || activeResumeID == "" {
		return
	}
	tailer := eventlog.New(config.CodexHome(), activeResumeID, eventlog.ReasoningMode(cfg.JSONLReasoningMode), secondsToDuration(cfg.JSONLReasoningThrottleSeconds))
	tailer.Run(done, func(text string) {
		state.touch()
		emitOutput(state, onOutput, text, false)
	})
}

// classifyExit interprets the outcome of cmd.Wait() against runCtx/ctx,
// returning the exit code to report and any cancellation error to propagate.
func classifyExit(ctx, runCtx context.Context, cmd *exec.Cmd, state *driverState, onStatus StatusFunc) (int, error) {
	if errors.Is(runCtx.Err(), context.Canceled) && ctx.Err() != nil {
		onStatus("canceled")
		return 0, context.Canceled
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		onStatus("timeout")
	}
	if state.isForcedDone() {
		return 0, nil
	}
	exitCode := 0
	if cmd.ProcessState != nil {
		if ec := cmd.ProcessState.ExitCode(); ec > 0 {
			exitCode = ec
		}
	}
	return exitCode, nil
}

func (d *Driver) runPipe(ctx context.Context, args []string, prompt string, onOutput OutputFunc, onStatus StatusFunc, onFinal FinalFunc, lastMessagePath, activeResumeID string, runStartedAt time.Time) (int, error) {
	cfg := d.cfg
	runCtx, cancel := context.WithTimeout(ctx, secondsToDuration(cfg.RunTimeoutSeconds))
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = cfg.CodexWorkdir
	cmd.Env = buildEnv()
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	var stdin io.WriteCloser
	var err error
	if cfg.CodexCLIInputMode == "stdin" {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return 0, fmt.Errorf("open stdin pipe: %w", err)
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start codex cli: %w", err)
	}
	slog.Info("started codex cli process", "pid", cmd.Process.Pid)

	state := newDriverState()
	done := make(chan struct{})
	var wg sync.WaitGroup

	if stdin != nil {
		io.WriteString(stdin, buildInput(cfg.CodexCLIApprovalsMode, prompt))
		stdin.Close()
	}

	readStream := func(r io.Reader, isError bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			text := strings.ToValidUTF8(strings.TrimRight(scanner.Text(), "\r"), "")
			state.touch()
			if isContextCompactedText(text) {
				state.markContextCompacted()
			}
			emitOutput(state, onOutput, text, isError)
		}
	}

	wg.Add(2)
	go readStream(stdout, false)
	go readStream(stderr, true)

	wg.Add(1)
	go func() {
		defer wg.Done()
		idleWatchdog(done, cfg, state, activeResumeID, runStartedAt, lastMessagePath, onOutput, onStatus, func() {
			if cmd.Process != nil {
				cmd.Process.Signal(syscall.SIGTERM)
			}
		})
	}()

	if activeResumeID != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jsonlTailer(done, cfg, state, activeResumeID, onOutput)
		}()
	}

	if cfg.ProgressTickIntervalSeconds > 0 && !cfg.JSONLStreamEvents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			progressLoop(done, cfg, state, onOutput)
		}()
	}

	_ = cmd.Wait()
	close(done)
	wg.Wait()

	exitCode, cancelErr := classifyExit(ctx, runCtx, cmd, state, onStatus)
	if cancelErr != nil {
		return exitCode, cancelErr
	}
	d.emitFinal(onFinal, lastMessagePath, activeResumeID, runStartedAt)
	return exitCode, nil
}

func (d *Driver) runPTY(ctx context.Context, args []string, prompt string, onOutput OutputFunc, onStatus StatusFunc, onFinal FinalFunc, lastMessagePath, activeResumeID string, runStartedAt time.Time) (int, error) {
	cfg := d.cfg
	runCtx, cancel := context.WithTimeout(ctx, secondsToDuration(cfg.RunTimeoutSeconds))
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = cfg.CodexWorkdir
	cmd.Env = buildEnv()
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return 0, fmt.Errorf("start codex cli pty: %w", err)
	}
	defer ptmx.Close()
	slog.Info("started codex cli pty", "pid", cmd.Process.Pid)

	state := newDriverState()
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		readPTYOutput(ptmx, state, onOutput)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		idleWatchdog(done, cfg, state, activeResumeID, runStartedAt, lastMessagePath, onOutput, onStatus, func() {
			if cmd.Process != nil {
				cmd.Process.Signal(syscall.SIGTERM)
			}
		})
	}()

	if activeResumeID != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jsonlTailer(done, cfg, state, activeResumeID, onOutput)
		}()
	}

	if cfg.ProgressTickIntervalSeconds > 0 && !cfg.JSONLStreamEvents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			progressLoop(done, cfg, state, onOutput)
		}()
	}

	if cfg.CodexCLIInputMode == "stdin" {
		ptmx.WriteString(buildInput(cfg.CodexCLIApprovalsMode, prompt))
	} else if cfg.CodexCLIApprovalsMode != "" {
		slog.Warn("pty arg input mode cannot inject /approvals directive, skipping it")
	}

	_ = cmd.Wait()
	close(done)
	wg.Wait()

	exitCode, cancelErr := classifyExit(ctx, runCtx, cmd, state, onStatus)
	if cancelErr != nil {
		return exitCode, cancelErr
	}
	d.emitFinal(onFinal, lastMessagePath, activeResumeID, runStartedAt)
	return exitCode, nil
}

// readPTYOutput implements the CPR-interception read loop: any `ESC[6n`
// cursor-position request from the child is answered in place with a fixed
// `ESC[1;1R` reply, never surfaced as output. The trailing 3 bytes of every
// read are held back so a CPR request split across two reads is never torn.
func readPTYOutput(ptmx *os.File, state *driverState, onOutput OutputFunc) {
	var textBuffer strings.Builder
	var rawBuffer []byte
	buf := make([]byte, 1024)

	emitLine := func(line string) {
		if line == "" {
			return
		}
		if isContextCompactedText(line) {
			state.markContextCompacted()
		}
		emitOutput(state, onOutput, line, false)
	}

	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			state.touch()
			rawBuffer = append(rawBuffer, buf[:n]...)

			for {
				idx := bytes.Index(rawBuffer, cprRequest)
				if idx == -1 {
					break
				}
				if idx > 0 {
					textBuffer.WriteString(strings.ToValidUTF8(string(rawBuffer[:idx]), ""))
				}
				rawBuffer = rawBuffer[idx+len(cprRequest):]
				ptmx.Write(cprResponse)
			}

			if len(rawBuffer) > 3 {
				emitLen := len(rawBuffer) - 3
				textBuffer.WriteString(strings.ToValidUTF8(string(rawBuffer[:emitLen]), ""))
				rawBuffer = rawBuffer[emitLen:]
			}

			for {
				s := textBuffer.String()
				idx := strings.IndexByte(s, '\n')
				if idx == -1 {
					break
				}
				line := strings.TrimRight(s[:idx], "\r")
				textBuffer.Reset()
				textBuffer.WriteString(s[idx+1:])
				emitLine(line)
			}
		}
		if err != nil {
			break
		}
	}

	if len(rawBuffer) > 0 {
		textBuffer.WriteString(strings.ToValidUTF8(string(rawBuffer), ""))
	}
	if remaining := strings.TrimSpace(textBuffer.String()); remaining != "" {
		emitLine(remaining)
	}
}
