// Package store maps chat ids to backend sessions and remembers
// per-chat preferences between messages.
package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Record is one chat's session state.
type Record struct {
	ChatID       string            `json:"chat_id"`
	SessionID    string            `json:"session_id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Active       bool              `json:"active"`
	Agent        string            `json:"agent,omitempty"`
	Model        map[string]string `json:"model,omitempty"`
}

// Store holds the chat→session records. Safe for concurrent use. With a
// path configured, every mutation is persisted to a JSON file; an empty
// path keeps everything in memory.
type Store struct {
	log  *slog.Logger
	path string

	mu      sync.Mutex
	records map[string]*Record
}

// Open creates a store, loading existing records from path when the file
// exists. A corrupt file is logged and treated as empty rather than
// failing startup.
func Open(log *slog.Logger, path string) *Store {
	s := &Store{
		log:     log.With("component", "store"),
		path:    path,
		records: make(map[string]*Record),
	}

	if path != "" {
		s.load()
	}

	return s
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("Failed to read session store", "path", s.path, "error", err)
		}

		return
	}

	if err := json.Unmarshal(raw, &s.records); err != nil {
		s.log.Warn("Session store is corrupt, starting empty", "path", s.path, "error", err)
		s.records = make(map[string]*Record)

		return
	}

	s.log.Info("Loaded sessions from store", "count", len(s.records))
}

// save persists the records. Callers must hold s.mu.
func (s *Store) save() {
	if s.path == "" {
		return
	}

	raw, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		s.log.Error("Failed to encode session store", "error", err)

		return
	}

	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		s.log.Error("Failed to write session store", "path", s.path, "error", err)
	}
}

// Get returns the record for a chat, or nil. The returned record is a
// copy; mutate via the store's methods.
func (s *Store) Get(chatID string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[chatID]
	if !ok {
		return nil
	}

	copied := *record

	return &copied
}

// Put creates or replaces a chat's record, stamping activity.
func (s *Store) Put(chatID, sessionID, agent string, model map[string]string) *Record {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	record := &Record{
		ChatID:       chatID,
		SessionID:    sessionID,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
		Agent:        agent,
		Model:        model,
	}

	if existing, ok := s.records[chatID]; ok {
		record.CreatedAt = existing.CreatedAt
	}

	s.records[chatID] = record
	s.save()

	copied := *record

	return &copied
}

// Touch marks activity on a chat's record and reactivates it. Reports
// whether the record exists.
func (s *Store) Touch(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[chatID]
	if !ok {
		return false
	}

	record.LastActivity = time.Now()
	record.Active = true
	s.save()

	return true
}

// SetActive flips a record's active flag.
func (s *Store) SetActive(chatID string, active bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[chatID]
	if !ok {
		return false
	}

	record.Active = active
	record.LastActivity = time.Now()
	s.save()

	return true
}

// Delete removes a chat's record. Reports whether one existed.
func (s *Store) Delete(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[chatID]; !ok {
		return false
	}

	delete(s.records, chatID)
	s.save()
	s.log.Info("Deleted session record", "chat_id", chatID)

	return true
}

// Active returns copies of all active records.
func (s *Store) Active() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]*Record, 0, len(s.records))

	for _, record := range s.records {
		if record.Active {
			copied := *record
			records = append(records, &copied)
		}
	}

	return records
}

// BySessionID finds the record bound to a backend session id, or nil.
func (s *Store) BySessionID(sessionID string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.records {
		if record.SessionID == sessionID {
			copied := *record

			return &copied
		}
	}

	return nil
}

// CleanupInactive removes active records idle longer than maxAge and
// returns how many went.
func (s *Store) CleanupInactive(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for chatID, record := range s.records {
		if record.Active && record.LastActivity.Before(cutoff) {
			delete(s.records, chatID)
			removed++
		}
	}

	if removed > 0 {
		s.save()
		s.log.Info("Cleaned up inactive sessions", "count", removed)
	}

	return removed
}
