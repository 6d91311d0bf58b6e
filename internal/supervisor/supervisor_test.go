package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParentDir(t *testing.T) {
	cases := map[string]string{
		"codexgw.sqlite":       ".",
		"/var/lib/codexgw.db": "/var/lib",
		"data/codexgw.db":     "data",
	}
	for in, want := range cases {
		require.Equal(t, want, parentDir(in))
	}
}

func TestNewFailsWithNoConfigAndNoBots(t *testing.T) {
	t.Setenv("CODEXGW_TELEGRAM_TOKEN", "")
	_, err := New("/nonexistent/config.toml")
	require.Error(t, err, "expected New to fail with no config file and no env fallback bot")
}
