package bridge

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend emulates the backend's REST surface for facade tests.
func fakeBackend(t *testing.T) (*Bridge, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "ses_1", "title": "Chat chat-1"}`))
	})
	mux.HandleFunc("GET /session/ses_1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "ses_1", "title": "Chat chat-1"}`))
	})
	mux.HandleFunc("POST /session/ses_1/message", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"info": {"id": "msg_1"}, "parts": [{"type": "text", "text": "hi there"}]}`))
	})
	mux.HandleFunc("GET /session/ses_1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		flusher := w.(http.Flusher)
		ticker := time.NewTicker(50 * time.Millisecond)

		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				_, _ = w.Write([]byte("event: session.idle\ndata: {}\n\n"))
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc("GET /global/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"healthy": true}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)

	host, portStr, err := net.SplitHostPort(parsed.Host)
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	b, err := New(
		WithBackendAddress(host, port),
		WithSessionLogDir(t.TempDir()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return b, srv
}

func TestStartSessionAndSendMessage(t *testing.T) {
	b, _ := fakeBackend(t)
	ctx := context.Background()

	session, err := b.StartSession(ctx, "chat-1", "", "")
	require.NoError(t, err)
	require.Equal(t, "ses_1", session.SessionID)
	require.True(t, session.Active)

	require.NotNil(t, b.Session("chat-1"))

	reply, err := b.SendMessage(ctx, "ses_1", "hello", MessageOptions{})
	require.NoError(t, err)
	require.Equal(t, "hi there", reply.Response)
}

func TestSubscribeAfterStartSession(t *testing.T) {
	b, _ := fakeBackend(t)
	ctx := context.Background()

	_, err := b.StartSession(ctx, "chat-1", "", "")
	require.NoError(t, err)

	events, cancel, err := b.Subscribe("ses_1")
	require.NoError(t, err)

	defer cancel()

	select {
	case event := <-events:
		require.Equal(t, "session.idle", event.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("no event arrived")
	}
}

func TestSendMessageUnknownSession(t *testing.T) {
	b, _ := fakeBackend(t)

	_, err := b.SendMessage(context.Background(), "ses_missing", "hello", MessageOptions{})
	require.Error(t, err)
}

func TestHealthDegradedWhenBackendDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)

	host, portStr, err := net.SplitHostPort(parsed.Host)
	require.NoError(t, err)

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	b, err := New(WithBackendAddress(host, port), WithSessionLogDir(t.TempDir()))
	require.NoError(t, err)

	defer b.Close()

	status := b.Health(context.Background())
	require.Equal(t, "degraded", status.Status)
	require.False(t, status.BackendConnected)
}

func TestExtractTextFallsBackToRawParts(t *testing.T) {
	result := map[string]any{
		"parts": []any{map[string]any{"type": "tool", "name": "bash"}},
	}

	require.NotEmpty(t, extractText(result))
	require.Empty(t, extractText(map[string]any{}))
}
