// Package bridge connects a chat front-end to a local opencode server.
//
// A Bridge supervises the backend process (spawning it or adopting an
// already-running one), relays session and message operations to the
// backend's REST API, and consumes each session's server-sent event
// stream into append-only NDJSON logs with optional live subscriptions.
//
// Typical usage:
//
//	b, err := bridge.New(bridge.WithLogger(slog.Default()))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
//	if _, err := b.StartBackend(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	session, err := b.StartSession(ctx, "chat-42", "", "build")
//	reply, err := b.SendMessage(ctx, session.SessionID, "hello", bridge.MessageOptions{})
package bridge
