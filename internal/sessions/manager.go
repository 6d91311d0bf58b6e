// Package sessions implements an
// in-memory cache of per-(bot,user) Session state, mutated under a single
// mutex and written through to the Store on every field that must survive a
// restart.
//
// Grounded on goclaw's internal/sessions.Manager for the in-memory
// map[string]*Session-guarded-by-mutex shape and get-or-create discipline,
// and on the original runner's session_manager.py for which fields
// write through to storage and which stay purely in-memory (current_run_id
// and the prompt queue are never persisted — they are meaningless across a
// restart since the child process they refer to is gone).
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/codexgw/internal/models"
	"github.com/nextlevelbuilder/codexgw/internal/store"
)

// Session is the in-memory view of one (bot,user) conversation's state.
type Session struct {
	SessionID        string
	BotID            string
	UserID           int64
	State            models.SessionState
	ResumeID         string
	LastResult       string
	EventLogLastTS   *float64
	EventLogLastHash string
	LastChatID       int64
	CurrentRunID     string
	Queue            []string
	CreatedAt        float64
	LastActivity     float64
}

func key(botID string, userID int64) string { return fmt.Sprintf("%s:%d", botID, userID) }

// Manager owns every live Session and persists the durable subset to Store.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    *store.Store
}

// NewManager returns a Manager backed by store for write-through persistence.
func NewManager(st *store.Store) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		store:    st,
	}
}

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }

func (m *Manager) getOrCreateLocked(botID string, userID int64) *Session {
	k := key(botID, userID)
	s, ok := m.sessions[k]
	if ok {
		return s
	}
	s = &Session{
		SessionID: models.NewSessionID(),
		BotID:     botID,
		UserID:    userID,
		State:     models.SessionIdle,
		CreatedAt: nowUnix(),
	}
	m.sessions[k] = s
	return s
}

// GetOrCreate returns the Session for (botID,userID), creating and recording
// it in the Store if this is the first time it has been seen.
func (m *Manager) GetOrCreate(ctx context.Context, botID string, userID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(botID, userID)
	if s, ok := m.sessions[k]; ok {
		s.LastActivity = nowUnix()
		return snapshot(s), nil
	}
	s := m.getOrCreateLocked(botID, userID)
	s.LastActivity = nowUnix()
	if err := m.store.EnsureUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	if err := m.store.UpsertSession(ctx, store.SessionRow{
		SessionID: s.SessionID, BotID: s.BotID, UserID: s.UserID, State: s.State,
		CreatedAt: s.CreatedAt, LastActivity: s.LastActivity,
	}); err != nil {
		return nil, fmt.Errorf("record session: %w", err)
	}
	return snapshot(s), nil
}

func snapshot(s *Session) *Session {
	cp := *s
	cp.Queue = append([]string(nil), s.Queue...)
	return &cp
}

// SetState transitions the Session to state, persisting the change.
func (m *Manager) SetState(ctx context.Context, botID string, userID int64, state models.SessionState) (*Session, error) {
	m.mu.Lock()
	s := m.getOrCreateLocked(botID, userID)
	s.State = state
	s.LastActivity = nowUnix()
	sid := s.SessionID
	out := snapshot(s)
	m.mu.Unlock()

	if err := m.store.UpdateSessionState(ctx, sid, state); err != nil {
		return nil, fmt.Errorf("update session state: %w", err)
	}
	return out, nil
}

// SetCurrentRun records the active run id. In-memory only: a run never
// survives a restart, so this is never written to the Store.
func (m *Manager) SetCurrentRun(botID string, userID int64, runID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(botID, userID)
	s.CurrentRunID = runID
	s.LastActivity = nowUnix()
	return snapshot(s)
}

// SetResumeID records the child driver's resume identifier for this session.
func (m *Manager) SetResumeID(ctx context.Context, botID string, userID int64, resumeID string) (*Session, error) {
	m.mu.Lock()
	s := m.getOrCreateLocked(botID, userID)
	s.ResumeID = resumeID
	s.LastActivity = nowUnix()
	sid := s.SessionID
	out := snapshot(s)
	m.mu.Unlock()

	if err := m.store.UpdateSessionResumeID(ctx, sid, resumeID); err != nil {
		return nil, fmt.Errorf("update resume id: %w", err)
	}
	return out, nil
}

// SetLastResult records the most recent final assistant message for recovery
// after a crash or restart.
func (m *Manager) SetLastResult(ctx context.Context, botID string, userID int64, lastResult string) (*Session, error) {
	m.mu.Lock()
	s := m.getOrCreateLocked(botID, userID)
	s.LastResult = lastResult
	s.LastActivity = nowUnix()
	sid := s.SessionID
	out := snapshot(s)
	m.mu.Unlock()

	if err := m.store.UpdateSessionLastResult(ctx, sid, lastResult); err != nil {
		return nil, fmt.Errorf("update last result: %w", err)
	}
	return out, nil
}

// SetEventLogCursor records the (timestamp, hash) event-log cursor that the
// Run Orchestrator's external-result poller reads from the Store, so polling
// can resume after a restart without re-delivering already-delivered output.
func (m *Manager) SetEventLogCursor(ctx context.Context, botID string, userID int64, lastTS *float64, lastHash string) (*Session, error) {
	m.mu.Lock()
	s := m.getOrCreateLocked(botID, userID)
	s.EventLogLastTS = lastTS
	s.EventLogLastHash = lastHash
	s.LastActivity = nowUnix()
	sid := s.SessionID
	out := snapshot(s)
	m.mu.Unlock()

	if err := m.store.UpdateSessionEventLogCursor(ctx, sid, lastTS, lastHash); err != nil {
		return nil, fmt.Errorf("update event log cursor: %w", err)
	}
	return out, nil
}

// SetChatID binds the Telegram chat id output is delivered to. The first
// time a chat id is bound on a fresh session, the event-log cursor is seeded
// to "now" so that the external-result poller does not replay history that
// predates this bot process ever having talked to this user.
func (m *Manager) SetChatID(ctx context.Context, botID string, userID int64, chatID int64) (*Session, error) {
	m.mu.Lock()
	s := m.getOrCreateLocked(botID, userID)
	s.LastChatID = chatID
	s.LastActivity = nowUnix()
	sid := s.SessionID
	seedCursor := s.EventLogLastTS == nil && s.EventLogLastHash == ""
	var seeded float64
	if seedCursor {
		seeded = nowUnix()
		s.EventLogLastTS = &seeded
	}
	out := snapshot(s)
	m.mu.Unlock()

	if err := m.store.UpdateSessionChatID(ctx, sid, chatID); err != nil {
		return nil, fmt.Errorf("update chat id: %w", err)
	}
	if seedCursor {
		if err := m.store.UpdateSessionEventLogCursor(ctx, sid, &seeded, ""); err != nil {
			return nil, fmt.Errorf("seed event log cursor: %w", err)
		}
	}
	return out, nil
}

// EnqueuePrompt appends prompt to the session's pending-prompt FIFO queue.
// The queue is in-memory only: a restart drops any prompt that had not yet
// been dispatched as a Run.
func (m *Manager) EnqueuePrompt(botID string, userID int64, prompt string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(botID, userID)
	s.Queue = append(s.Queue, prompt)
	s.LastActivity = nowUnix()
	return snapshot(s)
}

// DequeuePrompt pops the next prompt, or returns ("", false) if the queue is
// empty.
func (m *Manager) DequeuePrompt(botID string, userID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(botID, userID)
	if len(s.Queue) == 0 {
		return "", false
	}
	prompt := s.Queue[0]
	s.Queue = s.Queue[1:]
	s.LastActivity = nowUnix()
	return prompt, true
}

// PeekQueueLen reports how many prompts are waiting.
func (m *Manager) PeekQueueLen(botID string, userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getOrCreateLocked(botID, userID)
	return len(s.Queue)
}

// Get returns the current Session snapshot without creating one, or
// (nil, false) if the (bot,user) pair has never been seen this process.
func (m *Manager) Get(botID string, userID int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key(botID, userID)]
	if !ok {
		return nil, false
	}
	return snapshot(s), true
}
