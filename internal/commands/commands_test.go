package commands

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePlainTextIsNotACommand(t *testing.T) {
	_, ok := Parse("fix the bug")
	require.False(t, ok, "expected plain text to not parse as a command")
}

func TestParseNewWithPayload(t *testing.T) {
	p, ok := Parse("/new do the thing")
	require.True(t, ok)
	require.Equal(t, Parsed{Type: New, Payload: "do the thing"}, p)
}

func TestParseCommandWithoutPayload(t *testing.T) {
	p, ok := Parse("/status")
	require.True(t, ok)
	require.Equal(t, Parsed{Type: Status}, p)
}

func TestParseStripsGroupBotSuffix(t *testing.T) {
	p, ok := Parse("/help@my_bot")
	require.True(t, ok)
	require.Equal(t, Help, p.Type)
}

func TestParseUnknownCommand(t *testing.T) {
	_, ok := Parse("/frobnicate")
	require.False(t, ok, "expected unrecognized command to report not-ok")
}

func TestParseSessionWithPayload(t *testing.T) {
	p, ok := Parse("/session rebind-id")
	require.True(t, ok)
	require.Equal(t, Parsed{Type: Session, Payload: "rebind-id"}, p)
}
