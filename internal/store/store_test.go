package store

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPutAndGet(t *testing.T) {
	s := Open(testLogger(), "")

	s.Put("chat-1", "ses_a", "build", map[string]string{"providerID": "anthropic"})

	record := s.Get("chat-1")
	require.NotNil(t, record)
	require.Equal(t, "ses_a", record.SessionID)
	require.Equal(t, "build", record.Agent)
	require.True(t, record.Active)

	require.Nil(t, s.Get("chat-2"))
}

func TestGetReturnsCopy(t *testing.T) {
	s := Open(testLogger(), "")
	s.Put("chat-1", "ses_a", "", nil)

	record := s.Get("chat-1")
	record.SessionID = "tampered"

	require.Equal(t, "ses_a", s.Get("chat-1").SessionID)
}

func TestPutKeepsCreatedAt(t *testing.T) {
	s := Open(testLogger(), "")

	first := s.Put("chat-1", "ses_a", "", nil)
	second := s.Put("chat-1", "ses_b", "", nil)

	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, "ses_b", second.SessionID)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	s := Open(testLogger(), path)
	s.Put("chat-1", "ses_a", "plan", nil)
	s.SetActive("chat-1", false)

	reloaded := Open(testLogger(), path)

	record := reloaded.Get("chat-1")
	require.NotNil(t, record)
	require.Equal(t, "ses_a", record.SessionID)
	require.Equal(t, "plan", record.Agent)
	require.False(t, record.Active)
}

func TestCorruptStoreStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := Open(testLogger(), path)
	require.Nil(t, s.Get("chat-1"))
}

func TestDelete(t *testing.T) {
	s := Open(testLogger(), "")
	s.Put("chat-1", "ses_a", "", nil)

	require.True(t, s.Delete("chat-1"))
	require.False(t, s.Delete("chat-1"))
	require.Nil(t, s.Get("chat-1"))
}

func TestBySessionID(t *testing.T) {
	s := Open(testLogger(), "")
	s.Put("chat-1", "ses_a", "", nil)
	s.Put("chat-2", "ses_b", "", nil)

	record := s.BySessionID("ses_b")
	require.NotNil(t, record)
	require.Equal(t, "chat-2", record.ChatID)

	require.Nil(t, s.BySessionID("ses_missing"))
}

func TestActiveFiltersInactive(t *testing.T) {
	s := Open(testLogger(), "")
	s.Put("chat-1", "ses_a", "", nil)
	s.Put("chat-2", "ses_b", "", nil)
	s.SetActive("chat-2", false)

	active := s.Active()
	require.Len(t, active, 1)
	require.Equal(t, "chat-1", active[0].ChatID)
}

func TestCleanupInactive(t *testing.T) {
	s := Open(testLogger(), "")
	s.Put("chat-old", "ses_a", "", nil)
	s.Put("chat-new", "ses_b", "", nil)

	// Backdate one record.
	s.mu.Lock()
	s.records["chat-old"].LastActivity = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	require.Equal(t, 1, s.CleanupInactive(30*time.Minute))
	require.Nil(t, s.Get("chat-old"))
	require.NotNil(t, s.Get("chat-new"))
}
