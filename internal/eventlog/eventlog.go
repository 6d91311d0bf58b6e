// Package eventlog follows a rotating append-only JSONL event stream
// identified by a resume id, resilient to truncation, rotation, and missing
// files, plus a point-in-time extractor used for out-of-band recovery.
//
// Grounded on the original runner's codex_runner.py (_find_session_file,
// _tail_jsonl_events, _extract_last_assistant_message_with_ts,
// _summarize_reasoning) for the exact file-discovery, inode-tracking, and
// keyword-table semantics, and structurally on
// wingedpig-trellis/internal/claude/manager.go's readLoop for "read
// structured NDJSON defensively, recover from a lost handle."
package eventlog

import (
	"bufio"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ReasoningMode controls how agent-reasoning events are surfaced.
type ReasoningMode string

const (
	ReasoningHidden  ReasoningMode = "hidden"
	ReasoningSummary ReasoningMode = "summary"
)

const statInterval = 500 * time.Millisecond

// record is the raw shape of one event-log line.
type record struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type eventMsgPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Text    string `json:"text"`
}

type responseItemPayload struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// FindSessionFile locates the most recently modified file under
// <codexHome>/sessions whose name contains resumeID and ends in ".jsonl".
// Returns "" if none is found.
func FindSessionFile(codexHome, resumeID string) string {
	sessionsDir := filepath.Join(codexHome, "sessions")
	info, err := os.Stat(sessionsDir)
	if err != nil || !info.IsDir() {
		return ""
	}

	var bestPath string
	var bestMTime time.Time
	_ = filepath.WalkDir(sessionsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.Contains(name, resumeID) || !strings.HasSuffix(name, ".jsonl") {
			return nil
		}
		fi, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		if bestPath == "" || fi.ModTime().After(bestMTime) {
			bestPath = path
			bestMTime = fi.ModTime()
		}
		return nil
	})
	return bestPath
}

// ParseTimestamp parses an ISO-8601 timestamp (Z or offset form) into a Unix
// epoch float. Returns (0, false) if value is empty or unparseable.
func ParseTimestamp(value string) (float64, bool) {
	if value == "" {
		return 0, false
	}
	text := value
	if strings.HasSuffix(text, "Z") {
		text = text[:len(text)-1] + "+00:00"
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999-07:00", "2006-01-02T15:04:05-07:00"} {
		if t, err := time.Parse(layout, text); err == nil {
			return float64(t.UnixNano()) / 1e9, true
		}
	}
	return 0, false
}

// LastAssistantMessage is the result of a point-in-time extraction.
type LastAssistantMessage struct {
	Text      string
	Timestamp float64
	HasTS     bool
}

// ExtractLastAssistantMessage scans path for the most recent agent_message
// event_msg record or assistant response_item record, returning its text and
// timestamp. Malformed lines are skipped silently; I/O errors yield a zero
// value with ok=false.
func ExtractLastAssistantMessage(path string) (LastAssistantMessage, bool) {
	f, err := os.Open(path)
	if err != nil {
		return LastAssistantMessage{}, false
	}
	defer f.Close()

	var result LastAssistantMessage
	found := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		ts, hasTS := ParseTimestamp(rec.Timestamp)

		switch rec.Type {
		case "event_msg":
			var payload eventMsgPayload
			if err := json.Unmarshal(rec.Payload, &payload); err != nil {
				continue
			}
			if payload.Type == "agent_message" && strings.TrimSpace(payload.Message) != "" {
				result = LastAssistantMessage{Text: strings.TrimSpace(payload.Message), Timestamp: ts, HasTS: hasTS}
				found = true
			}
		case "response_item":
			var payload responseItemPayload
			if err := json.Unmarshal(rec.Payload, &payload); err != nil {
				continue
			}
			if payload.Type != "message" || payload.Role != "assistant" {
				continue
			}
			var parts []string
			for _, c := range payload.Content {
				if c.Type == "output_text" && c.Text != "" {
					parts = append(parts, c.Text)
				}
			}
			if len(parts) > 0 {
				result = LastAssistantMessage{Text: strings.TrimSpace(strings.Join(parts, "\n")), Timestamp: ts, HasTS: hasTS}
				found = true
			}
		}
	}
	if !found {
		return LastAssistantMessage{}, false
	}
	return result, true
}

// ReadLastAssistantMessage finds resumeID's session file under codexHome and
// extracts its most recent assistant message, if any.
func ReadLastAssistantMessage(codexHome, resumeID string) (string, bool) {
	path := FindSessionFile(codexHome, resumeID)
	if path == "" {
		return "", false
	}
	msg, ok := ExtractLastAssistantMessage(path)
	if !ok {
		return "", false
	}
	return msg.Text, true
}

// ReadLastAssistantMessageAfter is like ReadLastAssistantMessage but only
// returns a message whose timestamp is >= minTimestamp.
func ReadLastAssistantMessageAfter(codexHome, resumeID string, minTimestamp float64) (string, bool) {
	path := FindSessionFile(codexHome, resumeID)
	if path == "" {
		return "", false
	}
	msg, ok := ExtractLastAssistantMessage(path)
	if !ok || msg.Text == "" || !msg.HasTS {
		return "", false
	}
	if msg.Timestamp < minTimestamp {
		return "", false
	}
	return msg.Text, true
}

var reasoningKeywordTable = []struct {
	keywords []string
	tag      string
}{
	{[]string{"plan", "规划", "计划"}, "制定计划"},
	{[]string{"analyze", "analysis", "评估", "分析"}, "分析需求"},
	{[]string{"config", "配置", "env", "环境"}, "检查配置"},
	{[]string{"error", "fail", "失败", "问题"}, "排查问题"},
	{[]string{"test", "pytest", "playwright", "测试"}, "执行测试"},
	{[]string{"deploy", "systemctl", "service", "服务"}, "部署/服务操作"},
	{[]string{"refactor", "重构"}, "重构整理"},
	{[]string{"readme", "doc", "文档"}, "更新文档"},
	{[]string{"verify", "验证"}, "验证结果"},
	{[]string{"final", "summary", "最终", "总结"}, "整理最终回复"},
	{[]string{"sqlite", "db", "数据库", "jsonl"}, "检查数据与日志"},
}

const defaultReasoningTag = "整理任务与输出"

// SummarizeReasoning reduces a reasoning trace to a fixed keyword-tag
// summary, at most four tags, never echoing the original text.
func SummarizeReasoning(text string) string {
	lowered := strings.ToLower(text)
	var tags []string
	for _, entry := range reasoningKeywordTable {
		for _, kw := range entry.keywords {
			if strings.Contains(lowered, kw) {
				tags = append(tags, entry.tag)
				break
			}
		}
		if len(tags) == 4 {
			break
		}
	}
	if len(tags) == 0 {
		tags = []string{defaultReasoningTag}
	}
	trimmed := strings.TrimSpace(text)
	return "内部推理摘要：" + strings.Join(tags, "；") + "（已隐藏原文，长度" + itoa(len([]rune(trimmed))) + "字）"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Emit is called once per classified visible event while tailing.
type Emit func(text string)

// Tailer follows one resume id's event-log file for the duration of a run.
// Run is meant to be driven from a single goroutine per run; it carries no
// internal synchronization.
type Tailer struct {
	codexHome         string
	resumeID          string
	reasoningMode     ReasoningMode
	reasoningThrottle time.Duration
}

// New returns a Tailer for resumeID, rooted at codexHome, surfacing
// reasoning events per mode and throttled to at most one emission every
// reasoningThrottle.
func New(codexHome, resumeID string, mode ReasoningMode, reasoningThrottle time.Duration) *Tailer {
	return &Tailer{
		codexHome:         codexHome,
		resumeID:          resumeID,
		reasoningMode:     mode,
		reasoningThrottle: reasoningThrottle,
	}
}

// Run tails the session file until done is closed, invoking emit for every
// classified agent message or (throttled) reasoning notice. I/O errors are
// swallowed: the tailer resets its cursor and retries on the next poll.
func (t *Tailer) Run(done <-chan struct{}, emit Emit) {
	var (
		handle        *os.File
		reader        *bufio.Reader
		sessionFile   string
		currentInode  uint64
		haveInode     bool
		currentOffset int64
		lastStatCheck time.Time
		lastReasoning time.Time
		lastMessage   string
	)
	defer func() {
		if handle != nil {
			handle.Close()
		}
	}()

	closeHandle := func() {
		if handle != nil {
			handle.Close()
		}
		handle = nil
		reader = nil
		haveInode = false
	}

	for {
		select {
		case <-done:
			return
		default:
		}

		if handle == nil {
			sessionFile = FindSessionFile(t.codexHome, t.resumeID)
			if sessionFile == "" {
				if sleepOrDone(done, 500*time.Millisecond) {
					return
				}
				continue
			}
			f, err := os.Open(sessionFile)
			if err != nil {
				if sleepOrDone(done, 500*time.Millisecond) {
					return
				}
				continue
			}
			inode, ok := inodeOf(f)
			offset, seekErr := f.Seek(0, io.SeekEnd)
			if seekErr != nil {
				f.Close()
				if sleepOrDone(done, 500*time.Millisecond) {
					return
				}
				continue
			}
			handle = f
			reader = bufio.NewReaderSize(handle, 64*1024)
			currentInode = inode
			haveInode = ok
			currentOffset = offset
		}

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if time.Since(lastStatCheck) >= statInterval {
				lastStatCheck = time.Now()
				st, statErr := os.Stat(sessionFile)
				if statErr != nil {
					closeHandle()
					if sleepOrDone(done, 200*time.Millisecond) {
						return
					}
					continue
				}
				if haveInode {
					if inode, ok := inodeFromFileInfo(st); ok && inode != currentInode {
						closeHandle()
						if sleepOrDone(done, 200*time.Millisecond) {
							return
						}
						continue
					}
				}
				if st.Size() < currentOffset {
					closeHandle()
					if sleepOrDone(done, 200*time.Millisecond) {
						return
					}
					continue
				}
			}
			if sleepOrDone(done, 200*time.Millisecond) {
				return
			}
			continue
		}

		trimmed := strings.TrimSpace(line)
		currentOffset += int64(len(line))
		if trimmed == "" {
			continue
		}

		var rec record
		if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
			continue
		}
		text, isReasoning, ok := classify(rec)
		if !ok || text == "" {
			continue
		}
		if isReasoning {
			if time.Since(lastReasoning) < t.reasoningThrottle {
				continue
			}
			lastReasoning = time.Now()
			if t.reasoningMode == ReasoningSummary {
				emit(SummarizeReasoning(text))
			} else {
				emit("进度：内部推理进行中（内容已隐藏）。")
			}
			continue
		}
		if text == lastMessage {
			continue
		}
		lastMessage = text
		emit(text)
	}
}

func classify(rec record) (text string, isReasoning bool, ok bool) {
	if rec.Type != "event_msg" {
		return "", false, false
	}
	var payload eventMsgPayload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return "", false, false
	}
	switch payload.Type {
	case "agent_message":
		if strings.TrimSpace(payload.Message) == "" {
			return "", false, false
		}
		return strings.TrimSpace(payload.Message), false, true
	case "agent_reasoning":
		if strings.TrimSpace(payload.Text) == "" {
			return "", true, false
		}
		return strings.TrimSpace(payload.Text), true, true
	default:
		return "", false, false
	}
}

func sleepOrDone(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func inodeOf(f *os.File) (uint64, bool) {
	return FileInode(f)
}

func inodeFromFileInfo(fi os.FileInfo) (uint64, bool) {
	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(sys.Ino), true
}

// FileInode returns f's inode number, for callers (such as the Run
// Orchestrator's external-result poller) that need the same
// rotation-detection check the Tailer uses without re-deriving it.
func FileInode(f *os.File) (uint64, bool) {
	fi, err := f.Stat()
	if err != nil {
		return 0, false
	}
	return inodeFromFileInfo(fi)
}
