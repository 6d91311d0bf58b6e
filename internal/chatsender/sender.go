// Package chatsender implements adaptive
// outbound delivery that edits a single outbound message in place until it
// would exceed a transport chunk limit, then rolls over to a new message.
//
// Grounded on vanducng-goclaw/internal/channels/telegram/handlers.go's
// placeholder-message bookkeeping (a single in-flight message id tracked per
// conversation, replaced with fresh content as a run streams) generalized
// behind a Transport interface so it is not tied to one chat backend.
package chatsender

import (
	"context"
	"fmt"
)

// Transport performs the two chat operations a Sender needs. Edit returning
// a non-nil error is treated as "message no longer editable" (deleted,
// too old, or never existed) and triggers roll-over to a new message.
type Transport interface {
	Send(ctx context.Context, text string) (messageID string, err error)
	Edit(ctx context.Context, messageID string, text string) error
}

// Sender holds the logical "current message": the last outbound message's
// id plus the text it currently displays.
type Sender struct {
	transport  Transport
	chunkLimit int

	hasCurrent bool
	currentID  string
	currentLen int
	currentBuf string
}

// New returns a Sender that will never let an edited message's rune count
// exceed chunkLimit before rolling over.
func New(transport Transport, chunkLimit int) *Sender {
	return &Sender{transport: transport, chunkLimit: chunkLimit}
}

// Send delivers text, editing the current message in place when it still
// fits under chunkLimit, otherwise rolling over to one or more new messages.
// final is accepted for caller symmetry with the streaming protocol but does
// not change delivery behavior.
func (s *Sender) Send(ctx context.Context, text string, final bool) error {
	if text == "" {
		return nil
	}

	candidate := text
	if s.hasCurrent {
		candidate = s.currentBuf + "\n" + text
	}

	if runeLen(candidate) > s.chunkLimit {
		return s.rollOver(ctx, text)
	}

	if s.hasCurrent {
		if err := s.transport.Edit(ctx, s.currentID, candidate); err == nil {
			s.currentBuf = candidate
			s.currentLen = runeLen(candidate)
			return nil
		}
		// Edit failed: the message is no longer editable. Fall through to
		// roll-over with the full candidate so no content is lost.
	}
	return s.rollOver(ctx, candidate)
}

// rollOver splits text into chunkLimit-sized pieces and sends each as a new
// message in order; the last chunk becomes the new "current" message.
func (s *Sender) rollOver(ctx context.Context, text string) error {
	for _, chunk := range splitRunes(text, s.chunkLimit) {
		id, err := s.transport.Send(ctx, chunk)
		if err != nil {
			return fmt.Errorf("send chat message: %w", err)
		}
		s.currentID = id
		s.currentBuf = chunk
		s.currentLen = runeLen(chunk)
		s.hasCurrent = true
	}
	return nil
}

func runeLen(s string) int { return len([]rune(s)) }

func splitRunes(s string, limit int) []string {
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
