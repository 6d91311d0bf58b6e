package chatsender

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	nextID   int
	sent     []string
	edited   map[string]string
	editErrs map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{edited: map[string]string{}, editErrs: map[string]error{}}
}

func (f *fakeTransport) Send(ctx context.Context, text string) (string, error) {
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.sent = append(f.sent, text)
	f.edited[id] = text
	return id, nil
}

func (f *fakeTransport) Edit(ctx context.Context, messageID, text string) error {
	if err, ok := f.editErrs[messageID]; ok {
		return err
	}
	f.edited[messageID] = text
	return nil
}

func TestSendEmptyIsNoop(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, 100)
	require.NoError(t, s.Send(context.Background(), "", false))
	require.Empty(t, tr.sent, "expected no send for empty text")
}

func TestFirstSendCreatesNewMessage(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, 100)
	require.NoError(t, s.Send(context.Background(), "hello", false))
	require.Equal(t, []string{"hello"}, tr.sent)
}

func TestSecondSendEditsInPlace(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, 100)
	require.NoError(t, s.Send(context.Background(), "hello", false))
	require.NoError(t, s.Send(context.Background(), "world", false))
	require.Len(t, tr.sent, 1, "expected no additional new message")
	require.Equal(t, "hello\nworld", tr.edited["1"])
}

func TestOversizeCandidateRollsOverToNewMessage(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, 5)
	require.NoError(t, s.Send(context.Background(), "abc", false))
	require.NoError(t, s.Send(context.Background(), "defgh", false))
	require.Len(t, tr.sent, 2, "expected roll-over to a new message")
	require.Equal(t, "defgh", tr.sent[1])
}

func TestEditFailureTriggersRollOver(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, 100)
	require.NoError(t, s.Send(context.Background(), "hello", false))
	tr.editErrs["1"] = errors.New("message not found")

	require.NoError(t, s.Send(context.Background(), "world", false))
	require.Len(t, tr.sent, 2, "expected fallback to new message on edit failure")
	require.Equal(t, "hello\nworld", tr.sent[1])
}

func TestOversizeTextSplitsIntoMultipleChunksInOrder(t *testing.T) {
	tr := newFakeTransport()
	s := New(tr, 5)
	require.NoError(t, s.Send(context.Background(), "abcdefghij", false))
	require.Equal(t, []string{"abcde", "fghij"}, tr.sent)
}
