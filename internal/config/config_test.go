package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadResolvesEnvPlaceholder(t *testing.T) {
	t.Setenv("BOT_TOKEN_SECRET", "abc123")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[base]
message_chunk_limit = 100

[[bots]]
name = "main"
token = "${ENV:BOT_TOKEN_SECRET}"
allowed_user_ids = [1, 2, 3]
resume_id = "resume-abc"
codex_workdir = "/tmp/work"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	app, err := Load(path)
	require.NoError(t, err)
	require.Len(t, app.Bots, 1)
	require.Equal(t, "abc123", app.Bots[0].Token)
	require.Equal(t, 100, app.Base.MessageChunkLimit)
}

func TestLoadUnresolvedPlaceholderIsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[[bots]]
name = "main"
token = "${ENV:DOES_NOT_EXIST_XYZ}"
allowed_user_ids = [1]
resume_id = "r"
codex_workdir = "/tmp"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	_, err := Load(path)
	require.Error(t, err, "expected error for unresolved placeholder")
}

func TestLoadSkipsBotMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[[bots]]
name = "incomplete"

[[bots]]
name = "complete"
token = "tok"
allowed_user_ids = "10,20"
resume_id = "r"
codex_workdir = "/tmp"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	app, err := Load(path)
	require.NoError(t, err)
	require.Len(t, app.Bots, 1)
	require.Equal(t, "complete", app.Bots[0].Name)
}

func TestLoadZeroValidBotsIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := "[[bots]]\nname = \"incomplete\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	_, err := Load(path)
	require.Error(t, err, "expected fatal error for zero valid bots")
}

func TestBuildRuntimeInheritsBaseArgsWhenBotArgsNil(t *testing.T) {
	base := Base{CodexCLIArgs: []string{"--model", "x"}}
	bot := Bot{Name: "b"}
	rt := BuildRuntime(base, bot)
	require.Equal(t, []string{"--model", "x"}, rt.CodexCLIArgs)
}
