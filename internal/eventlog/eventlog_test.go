package eventlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeSessionFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	sessionsDir := filepath.Join(dir, "sessions")
	require.NoError(t, os.MkdirAll(sessionsDir, 0o755))
	path := filepath.Join(sessionsDir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFindSessionFilePicksNewestMatchingName(t *testing.T) {
	dir := t.TempDir()
	writeSessionFile(t, dir, "rollout-resume-abc-1.jsonl", "{}")
	time.Sleep(10 * time.Millisecond)
	newer := writeSessionFile(t, dir, "rollout-resume-abc-2.jsonl", "{}")

	require.Equal(t, newer, FindSessionFile(dir, "resume-abc"))
}

func TestFindSessionFileReturnsEmptyWhenMissing(t *testing.T) {
	dir := t.TempDir()
	require.Empty(t, FindSessionFile(dir, "nope"))
}

func TestExtractLastAssistantMessagePrefersLatestEntry(t *testing.T) {
	content := strings.Join([]string{
		`{"timestamp":"2024-01-01T00:00:00Z","type":"event_msg","payload":{"type":"agent_message","message":"first"}}`,
		`{"timestamp":"2024-01-01T00:00:01Z","type":"event_msg","payload":{"type":"agent_message","message":"second"}}`,
	}, "\n")
	path := writeSessionFile(t, t.TempDir(), "rollout-x.jsonl", content)

	msg, ok := ExtractLastAssistantMessage(path)
	require.True(t, ok)
	require.Equal(t, "second", msg.Text)
}

func TestExtractLastAssistantMessageFromResponseItem(t *testing.T) {
	content := `{"timestamp":"2024-01-01T00:00:00Z","type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hello"},{"type":"output_text","text":"world"}]}}`
	path := writeSessionFile(t, t.TempDir(), "rollout-y.jsonl", content)

	msg, ok := ExtractLastAssistantMessage(path)
	require.True(t, ok)
	require.Equal(t, "hello\nworld", msg.Text)
}

func TestExtractLastAssistantMessageSkipsMalformedLines(t *testing.T) {
	content := strings.Join([]string{
		`not json`,
		`{"timestamp":"2024-01-01T00:00:00Z","type":"event_msg","payload":{"type":"agent_message","message":"ok"}}`,
	}, "\n")
	path := writeSessionFile(t, t.TempDir(), "rollout-z.jsonl", content)

	msg, ok := ExtractLastAssistantMessage(path)
	require.True(t, ok)
	require.Equal(t, "ok", msg.Text)
}

func TestReadLastAssistantMessageAfterRejectsEarlierTimestamp(t *testing.T) {
	dir := t.TempDir()
	content := `{"timestamp":"2024-01-01T00:00:00Z","type":"event_msg","payload":{"type":"agent_message","message":"stale"}}`
	writeSessionFile(t, dir, "rollout-resume-q.jsonl", content)

	ts, _ := ParseTimestamp("2024-06-01T00:00:00Z")
	_, ok := ReadLastAssistantMessageAfter(dir, "resume-q", ts)
	require.False(t, ok, "expected message before minTimestamp to be rejected")
}

func TestReadLastAssistantMessageAfterAcceptsLaterTimestamp(t *testing.T) {
	dir := t.TempDir()
	content := `{"timestamp":"2024-06-02T00:00:00Z","type":"event_msg","payload":{"type":"agent_message","message":"fresh"}}`
	writeSessionFile(t, dir, "rollout-resume-r.jsonl", content)

	ts, _ := ParseTimestamp("2024-06-01T00:00:00Z")
	msg, ok := ReadLastAssistantMessageAfter(dir, "resume-r", ts)
	require.True(t, ok)
	require.Equal(t, "fresh", msg)
}

func TestSummarizeReasoningMatchesKeywordsCaseInsensitive(t *testing.T) {
	out := SummarizeReasoning("I will PLAN the approach then run a Test")
	require.Contains(t, out, "制定计划")
	require.Contains(t, out, "执行测试")
}

func TestSummarizeReasoningCapsAtFourTags(t *testing.T) {
	out := SummarizeReasoning("plan analyze config error test deploy refactor readme verify final sqlite")
	tags := strings.Count(out, "；") + 1
	require.Equal(t, 4, tags, "expected at most 4 tags, got %q", out)
}

func TestSummarizeReasoningDefaultsWhenNoKeywordMatches(t *testing.T) {
	out := SummarizeReasoning("lorem ipsum dolor sit amet")
	require.Contains(t, out, "整理任务与输出")
}

func TestSummarizeReasoningNeverEchoesOriginalText(t *testing.T) {
	out := SummarizeReasoning("a very secret internal plan")
	require.NotContains(t, out, "secret internal", "expected original reasoning text to be hidden")
}

func TestTailerDeliversAppendedLinesExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	path := writeSessionFile(t, dir, "rollout-resume-tail.jsonl", "")

	tailer := New(dir, "resume-tail", ReasoningHidden, 10*time.Millisecond)
	done := make(chan struct{})
	received := make(chan string, 10)

	go tailer.Run(done, func(text string) { received <- text })
	// The tailer starts reading at end of file, so let it open the file
	// before appending.
	time.Sleep(300 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, _ = f.WriteString(`{"timestamp":"2024-01-01T00:00:00Z","type":"event_msg","payload":{"type":"agent_message","message":"line one"}}` + "\n")
	f.Close()

	select {
	case got := <-received:
		require.Equal(t, "line one", got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tailed line")
	}

	select {
	case extra := <-received:
		t.Fatalf("unexpected second delivery %q", extra)
	case <-time.After(500 * time.Millisecond):
	}

	close(done)
}
