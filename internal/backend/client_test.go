package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	bridgeerr "github.com/wagiedev/opencode-bridge/internal/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(log, srv.URL, "sekret", 5*time.Second)
}

func TestCreateSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/session", r.URL.Path)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "opencode", user)
		require.Equal(t, "sekret", pass)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "chat 42", body["title"])

		_, _ = w.Write([]byte(`{"id": "ses_abc", "title": "chat 42"}`))
	})

	session, err := client.CreateSession(context.Background(), "chat 42", "")
	require.NoError(t, err)
	require.Equal(t, "ses_abc", session["id"])
}

func TestSendMessageBuildsParts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/ses_1/message", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		parts := body["parts"].([]any)
		require.Len(t, parts, 1)

		part := parts[0].(map[string]any)
		require.Equal(t, "text", part["type"])
		require.Equal(t, "hello", part["text"])

		require.Equal(t, "build", body["agent"])

		model := body["model"].(map[string]any)
		require.Equal(t, "anthropic", model["providerID"])

		_, _ = w.Write([]byte(`{"info": {"id": "msg_1"}, "parts": []}`))
	})

	reply, err := client.SendMessage(context.Background(), "ses_1", Message{
		Text:  "hello",
		Agent: "build",
		Model: &ModelRef{ProviderID: "anthropic", ModelID: "claude"},
	})
	require.NoError(t, err)
	require.NotNil(t, reply["info"])
}

func TestSendMessageAsyncAccepts204(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/ses_1/prompt_async", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.SendMessageAsync(context.Background(), "ses_1", Message{Text: "go"}))
}

func TestListAgentsAcceptsBareList(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agent", r.URL.Path)
		_, _ = w.Write([]byte(`[{"name": "build"}, {"name": "plan"}]`))
	})

	agents, err := client.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, "build", agents[0]["name"])
}

func TestListAgentsAcceptsEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": [{"name": "build"}]}`))
	})

	agents, err := client.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
}

func TestErrorStatusBecomesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	})

	_, err := client.GetSession(context.Background(), "ses_missing")
	require.Error(t, err)

	apiErr, ok := errors.AsType[*bridgeerr.APIError](err)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Contains(t, apiErr.Body, "no such session")
}

func TestUnreachableBecomesConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := New(log, srv.URL, "", time.Second)

	_, err := client.Health(context.Background())
	require.Error(t, err)

	_, ok := errors.AsType[*bridgeerr.BackendConnectionError](err)
	require.True(t, ok)
}

func TestOpenEventsStreams(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session/ses_1/events", r.URL.Path)
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"n\":1}\n\n"))
	})

	body, err := client.OpenEvents(context.Background(), "ses_1")
	require.NoError(t, err)

	defer body.Close()

	line, err := bufio.NewReader(body).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "data: {\"n\":1}\n", line)
}

func TestOpenEventsErrorStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusUnauthorized)
	})

	_, err := client.OpenEvents(context.Background(), "ses_1")
	require.Error(t, err)

	apiErr, ok := errors.AsType[*bridgeerr.APIError](err)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
