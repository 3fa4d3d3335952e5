// Package session keeps the per-user conversation state: the last rewrite
// offered for publishing and whether the user is editing it by hand.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
)

// MinInputLength is the shortest text, in characters, accepted for rewriting.
const MinInputLength = 10

// ValidationError is returned when a request is refused without touching state.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is matches validation errors by code so wrapped copies compare equal.
func (e *ValidationError) Is(target error) bool {
	var other *ValidationError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

var (
	ErrTooShort         = &ValidationError{Code: "too_short", Message: "text is too short to rewrite"}
	ErrEmptyText        = &ValidationError{Code: "empty_text", Message: "text is empty"}
	ErrNothingToEdit    = &ValidationError{Code: "nothing_to_edit", Message: "no rewritten text to edit"}
	ErrNothingToPublish = &ValidationError{Code: "nothing_to_publish", Message: "no rewritten text to publish"}
	ErrNoChannel        = &ValidationError{Code: "no_channel", Message: "no destination channel configured"}
	ErrExpired          = &ValidationError{Code: "expired", Message: "rewritten text has expired"}
	ErrNotEditing       = &ValidationError{Code: "not_editing", Message: "not in edit mode"}
)

// Session is the conversation state of one user. An empty LastRefinedText
// means no rewrite is stored.
type Session struct {
	LastRefinedText string
	RefinedAt       time.Time
	AwaitingEdit    bool
	PreEditText     string
	HistoryID       string
}

// Manager owns every user's session. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[int64]*Session

	// expiry bounds how long a rewrite stays publishable; zero disables it
	expiry time.Duration
	now    func() time.Time
}

// NewManager creates a manager. expiry <= 0 disables expiry.
func NewManager(expiry time.Duration) *Manager {
	if expiry < 0 {
		expiry = 0
	}
	return &Manager{
		sessions: make(map[int64]*Session),
		expiry:   expiry,
		now:      time.Now,
	}
}

// get returns the session for userID, creating it. Caller must hold mu.
func (m *Manager) get(userID int64) *Session {
	s, ok := m.sessions[userID]
	if !ok {
		s = &Session{}
		m.sessions[userID] = s
	}
	return s
}

// Get returns a snapshot of the user's session.
func (m *Manager) Get(userID int64) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		return *s
	}
	return Session{}
}

// AwaitingEdit reports whether the next plain text replaces the stored rewrite.
func (m *Manager) AwaitingEdit(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return ok && s.AwaitingEdit
}

// CheckRewriteInput validates text submitted for rewriting and returns it trimmed.
func CheckRewriteInput(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyText
	}
	if utf8.RuneCountInString(trimmed) < MinInputLength {
		return "", ErrTooShort
	}
	return trimmed, nil
}

// RecordRewrite stores a successful rewrite.
func (m *Manager) RecordRewrite(userID int64, refined, historyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(userID)
	s.LastRefinedText = refined
	s.RefinedAt = m.now()
	s.HistoryID = historyID
}

// EnterEdit switches the user into edit mode and returns the text being edited.
func (m *Manager) EnterEdit(userID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok || s.LastRefinedText == "" {
		return "", ErrNothingToEdit
	}
	s.AwaitingEdit = true
	s.PreEditText = s.LastRefinedText
	log.Debugf("User %d entered edit mode", userID)
	return s.LastRefinedText, nil
}

// SubmitEdit takes text as the new publishable text and leaves edit mode.
// The text is stored as typed, trimmed, without a rewrite.
func (m *Manager) SubmitEdit(userID int64, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok || !s.AwaitingEdit {
		return "", ErrNotEditing
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyText
	}
	if trimmed != s.PreEditText {
		// the stored history record no longer matches the text
		s.HistoryID = ""
	}
	s.LastRefinedText = trimmed
	s.RefinedAt = m.now()
	s.AwaitingEdit = false
	s.PreEditText = ""
	return trimmed, nil
}

// CancelEdit leaves edit mode, restoring the text captured on entry. It
// reports whether the user was editing.
func (m *Manager) CancelEdit(userID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok || !s.AwaitingEdit {
		return "", false
	}
	s.LastRefinedText = s.PreEditText
	s.AwaitingEdit = false
	s.PreEditText = ""
	return s.LastRefinedText, true
}

// Forwarded leaves edit mode without restoring; a forwarded message always
// starts a fresh rewrite.
func (m *Manager) Forwarded(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok && s.AwaitingEdit {
		s.AwaitingEdit = false
		s.PreEditText = ""
	}
}

// Publication is what the publish operation sends.
type Publication struct {
	Text      string
	HistoryID string
}

// Publish returns the stored text for channel. A missing channel is refused
// before anything changes; otherwise edit mode is cleared first. The stored
// text itself is never cleared.
func (m *Manager) Publish(userID int64, channel string) (*Publication, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, ErrNoChannel
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(userID)
	if s.AwaitingEdit {
		s.AwaitingEdit = false
		s.PreEditText = ""
	}
	if s.LastRefinedText == "" {
		return nil, ErrNothingToPublish
	}
	if m.expiry > 0 && !s.RefinedAt.IsZero() && m.now().Sub(s.RefinedAt) > m.expiry {
		return nil, ErrExpired
	}
	return &Publication{Text: s.LastRefinedText, HistoryID: s.HistoryID}, nil
}

// Count returns the number of tracked users.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
