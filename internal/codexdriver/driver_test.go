package codexdriver

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/codexgw/internal/config"
)

func baseRuntime() config.Runtime {
	return config.Runtime{
		Base: config.Base{
			CodexCLICmd:                 "codex",
			CodexCLIInputMode:           "stdin",
			CodexCLISkipGitCheck:        true,
			RunTimeoutSeconds:           30,
			ProgressTickIntervalSeconds: 0,
		},
	}
}

func TestBuildArgsForPromptResumeModeStdin(t *testing.T) {
	d := New(baseRuntime())
	args, useExec := d.buildArgsForPrompt("do the thing", "resume-abc", "/tmp/last.txt")
	require.True(t, useExec, "expected resume mode to report useExec=true")
	want := []string{"codex", "exec", "--skip-git-repo-check", "--output-last-message", "/tmp/last.txt", "resume", "resume-abc", "-"}
	require.Equal(t, want, args)
}

func TestBuildArgsForPromptResumeModeArgSkipsApprovals(t *testing.T) {
	cfg := baseRuntime()
	cfg.CodexCLIInputMode = "arg"
	cfg.CodexCLIApprovalsMode = "full-auto"
	d := New(cfg)
	args, _ := d.buildArgsForPrompt("hello there", "resume-xyz", "")
	require.Equal(t, "hello there", args[len(args)-1])
	for _, a := range args {
		require.NotContains(t, a, "approvals", "arg mode must not inject /approvals into argv")
	}
}

func TestBuildArgsForPromptNonResumeMode(t *testing.T) {
	cfg := baseRuntime()
	cfg.CodexCLIArgs = []string{"--model", "x"}
	d := New(cfg)
	args, useExec := d.buildArgsForPrompt("prompt text", "", "")
	require.False(t, useExec, "expected non-resume mode to report useExec=false")
	require.Equal(t, []string{"codex", "--model", "x"}, args)
}

func TestBuildArgsForPromptFallsBackToRuntimeResumeID(t *testing.T) {
	cfg := baseRuntime()
	cfg.ResumeID = "configured-resume"
	d := New(cfg)
	args, useExec := d.buildArgsForPrompt("p", "", "")
	require.True(t, useExec, "expected runtime-level resume id to trigger resume mode")
	require.Equal(t, "configured-resume", args[len(args)-2])
}

func TestBuildInputWithApprovalsPrefix(t *testing.T) {
	got := buildInput("full-auto", "do it")
	require.Equal(t, "/approvals full-auto\ndo it\n", got)
}

func TestBuildInputWithoutApprovals(t *testing.T) {
	require.Equal(t, "do it\n", buildInput("", "do it"))
}

func TestBuildEnvSetsDefaults(t *testing.T) {
	env := buildEnv()
	has := func(prefix string) bool {
		for _, e := range env {
			if strings.HasPrefix(e, prefix) {
				return true
			}
		}
		return false
	}
	require.True(t, has("PROMPT_TOOLKIT_NO_CPR="))
	require.True(t, has("XDG_RUNTIME_DIR="))
}

func TestReadLastMessageEmptyPath(t *testing.T) {
	_, ok := readLastMessage("")
	require.False(t, ok, "expected empty path to report not-found")
}

func TestReadLastMessageMissingFile(t *testing.T) {
	_, ok := readLastMessage("/nonexistent/path/last.txt")
	require.False(t, ok, "expected missing file to report not-found")
}

func TestIsContextCompactedTextCaseInsensitive(t *testing.T) {
	require.True(t, isContextCompactedText("Context Compacted: summarized 900 tokens"))
	require.False(t, isContextCompactedText("nothing interesting here"))
}

func TestEmitOutputDedupesRepeatedNonErrorText(t *testing.T) {
	state := newDriverState()
	var got []string
	onOutput := func(text string, isError bool) { got = append(got, text) }

	emitOutput(state, onOutput, "same line", false)
	emitOutput(state, onOutput, "same line", false)
	emitOutput(state, onOutput, "same line", true)

	require.Len(t, got, 2, "expected dedup to drop the repeated non-error line")
}

func TestDriverStateTryFallbackOnlyWinsOnce(t *testing.T) {
	state := newDriverState()
	require.True(t, state.tryFallback(), "expected first call to win")
	require.False(t, state.tryFallback(), "expected second call to lose")
}

func TestIdleWatchdogTripsNoOutputTimeout(t *testing.T) {
	cfg := baseRuntime()
	cfg.NoOutputIdleTimeoutSeconds = 0.02
	cfg.FinalResultIdleTimeoutSeconds = 0
	cfg.ContextCompactionIdleTimeoutSeconds = 10

	state := newDriverState()
	state.lastOutputAt = time.Now().Add(-time.Second)

	done := make(chan struct{})
	var statusToken string
	terminated := make(chan struct{}, 1)

	go func() {
		idleWatchdog(done, cfg, state, "", time.Now(), "", func(string, bool) {}, func(token string) { statusToken = token }, func() {
			select {
			case terminated <- struct{}{}:
			default:
			}
			close(done)
		})
	}()

	select {
	case <-terminated:
	case <-time.After(2 * time.Second):
		t.Fatal("expected idle watchdog to terminate on no-output timeout")
	}
	require.Equal(t, "timeout", statusToken)
	require.True(t, state.isForcedDone(), "expected forcedDone to be set")
}
