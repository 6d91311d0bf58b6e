// Package streambroker implements a
// coalescing buffer that lives for the duration of one Run, batching
// producer output on a timer and handing size-bounded chunks to a sender.
//
// Grounded on wingedpig-trellis/internal/claude/manager.go's fanOut
// pattern (buffer under a mutex, drained and reset under lock before the
// slow send happens outside the lock) and on
// vanducng-goclaw/internal/channels/manager.go's RunContext.streamBuffer
// accumulate-then-flush idiom.
package streambroker

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SendFunc delivers one chunk of coalesced text downstream. final indicates
// this chunk is part of (or the whole of) the run's closing flush.
type SendFunc func(ctx context.Context, chunk string, final bool) error

// Broker coalesces pushed text into newline-joined, size-limited chunks and
// flushes them on a timer or on demand.
type Broker struct {
	send          SendFunc
	flushInterval time.Duration
	chunkLimit    int

	mu     sync.Mutex
	buffer []string

	stop chan struct{}
	done chan struct{}
}

// New returns a Broker that will call send with chunks no larger than
// chunkLimit runes, coalescing pushes for up to flushInterval between
// flushes.
func New(send SendFunc, flushInterval time.Duration, chunkLimit int) *Broker {
	return &Broker{
		send:          send,
		flushInterval: flushInterval,
		chunkLimit:    chunkLimit,
	}
}

// Start launches the periodic flush loop. Safe to call at most once per
// Broker lifetime.
func (b *Broker) Start(ctx context.Context) {
	if b.stop != nil {
		return
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.flushLoop(ctx)
}

func (b *Broker) flushLoop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = b.Flush(ctx, false)
		}
	}
}

// Stop cancels the periodic flush loop, waits for it to exit, and performs
// one final flush. The buffer is guaranteed empty once Stop returns.
func (b *Broker) Stop(ctx context.Context) error {
	if b.stop != nil {
		close(b.stop)
		<-b.done
		b.stop = nil
	}
	return b.Flush(ctx, true)
}

// Push appends one fragment of producer output to the buffer. isError
// prefixes the fragment with a "[stderr]" marker tag.
func (b *Broker) Push(text string, isError bool) {
	line := text
	if isError {
		line = "[stderr] " + text
	}
	b.mu.Lock()
	b.buffer = append(b.buffer, line)
	b.mu.Unlock()
}

// Flush drains the buffer, joins it with newlines, splits the result into
// chunkLimit-sized pieces, and hands each to send in order. A no-op if the
// buffer is empty.
func (b *Broker) Flush(ctx context.Context, final bool) error {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return nil
	}
	content := strings.Join(b.buffer, "\n")
	b.buffer = b.buffer[:0]
	b.mu.Unlock()

	for _, chunk := range split(content, b.chunkLimit) {
		if err := b.send(ctx, chunk, final); err != nil {
			return err
		}
	}
	return nil
}

// split breaks content into consecutive pieces of at most limit runes,
// preserving order and never dropping or duplicating content.
func split(content string, limit int) []string {
	runes := []rune(content)
	if len(runes) <= limit {
		return []string{content}
	}
	var chunks []string
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
