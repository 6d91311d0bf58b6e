package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/codexgw/internal/codexdriver"
	"github.com/nextlevelbuilder/codexgw/internal/config"
	"github.com/nextlevelbuilder/codexgw/internal/models"
	"github.com/nextlevelbuilder/codexgw/internal/sessions"
	"github.com/nextlevelbuilder/codexgw/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	status []string
	stream []string
}

func (r *recorder) sendStatus(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = append(r.status, text)
	return nil
}

func (r *recorder) sendStream(ctx context.Context, text string, final bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stream = append(r.stream, text)
	return nil
}

func (r *recorder) statusSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.status...)
}

func newTestOrchestrator(t *testing.T, cmd string, args []string) (*Orchestrator, *sessions.Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "codexgw.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	sessionMgr := sessions.NewManager(st)
	cfg := config.Runtime{Base: config.Base{
		CodexCLICmd:                cmd,
		CodexCLIArgs:               args,
		CodexCLIInputMode:          "stdin",
		RunTimeoutSeconds:          5,
		StreamFlushIntervalSeconds: 0.01,
		MessageChunkLimit:          4000,
	}}
	driver := codexdriver.New(cfg)
	return New(cfg, sessionMgr, st, driver, "default"), sessionMgr, st
}

// fakeChild writes a /bin/sh script that ignores its arguments (the driver
// always passes --output-last-message <path> ahead of the configured args)
// and runs body.
func fakeChild(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-codex.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func waitForStatus(t *testing.T, rec *recorder, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, s := range rec.statusSnapshot() {
			if s == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %q, got %v", want, rec.statusSnapshot())
}

func TestSubmitPromptRunsToCompletion(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, "true", nil)
	rec := &recorder{}
	ctx := context.Background()

	require.NoError(t, orch.SubmitPrompt(ctx, 1, "hello", rec.sendStatus, rec.sendStream))
	waitForStatus(t, rec, "运行完成。", 3*time.Second)

	running, err := orch.IsRunning(ctx, 1)
	require.NoError(t, err)
	require.False(t, running, "expected session to return to idle after run completion")
}

func TestSubmitPromptQueuesWhileRunActive(t *testing.T) {
	orch, sessionMgr, _ := newTestOrchestrator(t, fakeChild(t, "exec sleep 0.3"), nil)
	rec := &recorder{}
	ctx := context.Background()

	require.NoError(t, orch.SubmitPrompt(ctx, 2, "first", rec.sendStatus, rec.sendStream))
	require.NoError(t, orch.SubmitPrompt(ctx, 2, "second", rec.sendStatus, rec.sendStream))

	queued := sessionMgr.PeekQueueLen("default", 2)
	require.Equal(t, 1, queued, "expected second prompt to be queued")

	waitForStatus(t, rec, "等待新指令。", 5*time.Second)
}

func TestCancelRunReportsNoActiveTask(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, "true", nil)
	rec := &recorder{}
	ctx := context.Background()

	require.NoError(t, orch.CancelRun(ctx, 99, rec.sendStatus))
	got := rec.statusSnapshot()
	require.Len(t, got, 1)
	require.Equal(t, "当前没有运行中的任务。", got[0])
}

func TestCancelRunTerminatesActiveRun(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, fakeChild(t, "exec sleep 2"), nil)
	rec := &recorder{}
	ctx := context.Background()

	require.NoError(t, orch.SubmitPrompt(ctx, 3, "long task", rec.sendStatus, rec.sendStream))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, orch.CancelRun(ctx, 3, rec.sendStatus))

	waitForStatus(t, rec, "运行已取消。", 3*time.Second)
}

func TestStatusReportsQueueAndResumeID(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, "true", nil)
	rec := &recorder{}
	ctx := context.Background()

	require.NoError(t, orch.Status(ctx, 7, rec.sendStatus))
	got := rec.statusSnapshot()
	require.Len(t, got, 1)
	require.Equal(t, "会话状态：idle，排队指令：0，resume_id：未设置", got[0])
}

func TestRetryLastWithNoPriorPrompt(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, "true", nil)
	rec := &recorder{}
	ctx := context.Background()

	require.NoError(t, orch.RetryLast(ctx, 8, "", rec.sendStatus, rec.sendStream))
	got := rec.statusSnapshot()
	require.Len(t, got, 1)
	require.Equal(t, "没有可重试的指令。", got[0])
}

func TestFormatRunSummaryVariants(t *testing.T) {
	cases := []struct {
		status models.RunStatus
		errMsg string
		want   string
	}{
		{models.RunDone, "", "运行完成。"},
		{models.RunCanceled, "", "运行已取消。"},
		{models.RunTimeout, "", "运行超时。"},
		{models.RunError, "退出码 1", "运行失败：退出码 1"},
		{models.RunError, "", "运行失败：未知错误"},
	}
	for _, c := range cases {
		got := formatRunSummary(store.RunRow{Status: c.status, Error: c.errMsg})
		require.Equal(t, c.want, got)
	}
}

func TestExtractJSONLMessageIgnoresEventMsgRecords(t *testing.T) {
	line := []byte(`{"timestamp":"2024-01-01T00:00:00Z","type":"event_msg","payload":{"type":"agent_message","message":"hi"}}`)
	_, _, text := extractJSONLMessage(line)
	require.Empty(t, text, "expected event_msg records to be ignored")
}

func TestExtractJSONLMessageReadsAssistantResponseItem(t *testing.T) {
	line := []byte(`{"timestamp":"2024-01-01T00:00:00Z","type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hi there"}]}}`)
	ts, hasTS, text := extractJSONLMessage(line)
	require.True(t, hasTS, "expected timestamp to parse")
	require.NotZero(t, ts)
	require.Equal(t, "hi there", text)
}

func TestPollExternalResultsNoResumeIDReturnsEmpty(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, "true", nil)
	msgs, err := orch.PollExternalResults(context.Background(), 42, true)
	require.NoError(t, err)
	require.Empty(t, msgs, "expected no messages without a resume id")
}
