package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	bridgeerr "github.com/wagiedev/opencode-bridge/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// staticOpener serves a fixed stream once per call and counts opens.
type staticOpener struct {
	stream string
	opens  atomic.Int32
}

func (o *staticOpener) OpenEvents(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	o.opens.Add(1)

	return io.NopCloser(strings.NewReader(o.stream)), nil
}

// pipeOpener hands out the read half of an io.Pipe so tests can feed
// events gradually and exercise cancellation of a blocked read.
type pipeOpener struct {
	reader *io.PipeReader
	opens  atomic.Int32
}

func (o *pipeOpener) OpenEvents(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	o.opens.Add(1)

	return o.reader, nil
}

func readLogRecords(t *testing.T, dir, sessionID string) []map[string]any {
	t.Helper()

	file, err := os.Open(filepath.Join(dir, sessionID+".ndjson"))
	if err != nil {
		return nil
	}

	defer file.Close()

	var records []map[string]any

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		records = append(records, record)
	}

	return records
}

func TestConsumerLogsEventsInOrder(t *testing.T) {
	dir := t.TempDir()

	var stream strings.Builder
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&stream, "event: step\ndata: {\"n\":%d}\n\n", i)
	}

	p := New(testLogger(), &staticOpener{stream: stream.String()}, dir)
	defer p.Close()

	require.NoError(t, p.StartConsumer("ses_1"))

	require.Eventually(t, func() bool {
		return len(readLogRecords(t, dir, "ses_1")) == 3
	}, 5*time.Second, 10*time.Millisecond)

	records := readLogRecords(t, dir, "ses_1")
	for i, record := range records {
		require.Equal(t, "step", record["event"])
		require.NotEmpty(t, record["timestamp"])
		require.NotEmpty(t, record["id"])

		data := record["data"].(map[string]any)
		require.Equal(t, float64(i+1), data["n"])
	}
}

func TestDuplicateStartIsNoOp(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()

	opener := &pipeOpener{reader: reader}

	p := New(testLogger(), opener, t.TempDir())
	defer p.Close()

	require.NoError(t, p.StartConsumer("ses_1"))
	require.NoError(t, p.StartConsumer("ses_1"))

	p.StopConsumer("ses_1")

	// The duplicate start must not have opened a second stream.
	require.Equal(t, int32(1), opener.opens.Load())
}

func TestStopConsumerUnblocksRead(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()

	p := New(testLogger(), &pipeOpener{reader: reader}, t.TempDir())
	defer p.Close()

	require.NoError(t, p.StartConsumer("ses_1"))

	stopped := make(chan struct{})

	go func() {
		p.StopConsumer("ses_1")
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("StopConsumer did not unblock the stream read")
	}

	// Idempotent: stopping again is a no-op.
	p.StopConsumer("ses_1")
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	reader, writer := io.Pipe()

	p := New(testLogger(), &pipeOpener{reader: reader}, t.TempDir())
	defer p.Close()

	require.NoError(t, p.StartConsumer("ses_1"))

	events, cancel, err := p.Subscribe("ses_1")
	require.NoError(t, err)

	defer cancel()

	go func() {
		_, _ = io.WriteString(writer, "event: message.updated\ndata: {\"done\":true}\n\n")
		_ = writer.Close()
	}()

	select {
	case event := <-events:
		require.Equal(t, "message.updated", event.Name)
		require.Equal(t, true, event.DataMap()["done"])
	case <-time.After(5 * time.Second):
		t.Fatal("no event arrived")
	}
}

func TestSubscribeWithoutConsumer(t *testing.T) {
	p := New(testLogger(), &staticOpener{}, t.TempDir())
	defer p.Close()

	_, _, err := p.Subscribe("ses_unknown")
	require.ErrorIs(t, err, bridgeerr.ErrNoConsumer)
}

func TestSubscriberChannelClosesWhenStreamEnds(t *testing.T) {
	reader, writer := io.Pipe()

	p := New(testLogger(), &pipeOpener{reader: reader}, t.TempDir())
	defer p.Close()

	require.NoError(t, p.StartConsumer("ses_1"))

	events, cancel, err := p.Subscribe("ses_1")
	require.NoError(t, err)

	defer cancel()

	require.NoError(t, writer.Close())

	select {
	case _, open := <-events:
		require.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber channel never closed")
	}
}

func TestCloseStopsEverything(t *testing.T) {
	readerA, writerA := io.Pipe()
	defer writerA.Close()

	p := New(testLogger(), &pipeOpener{reader: readerA}, t.TempDir())

	require.NoError(t, p.StartConsumer("ses_1"))

	p.Close()

	// Closed pipeline rejects new consumers.
	require.ErrorIs(t, p.StartConsumer("ses_2"), bridgeerr.ErrPipelineClosed)
}

func TestConsumerLeavesNoGoroutinesAfterStreamEnds(t *testing.T) {
	dir := t.TempDir()
	opener := &staticOpener{stream: "data: {}\n\n"}

	p := New(testLogger(), opener, dir)
	defer p.Close()

	before := runtime.NumGoroutine()

	for range 20 {
		require.NoError(t, p.StartConsumer("ses_1"))

		// Wait for the consumer to drain its stream and deregister.
		require.Eventually(t, func() bool {
			_, _, err := p.Subscribe("ses_1")
			return err != nil
		}, 5*time.Second, 10*time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartAfterNaturalEndAllowed(t *testing.T) {
	dir := t.TempDir()
	opener := &staticOpener{stream: "data: {\"n\":1}\n\n"}

	p := New(testLogger(), opener, dir)
	defer p.Close()

	require.NoError(t, p.StartConsumer("ses_1"))

	// Wait for the consumer to drain its stream and deregister itself.
	require.Eventually(t, func() bool {
		return len(readLogRecords(t, dir, "ses_1")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, _, err := p.Subscribe("ses_1")
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)

	// A fresh consumer for the same session is a new registration.
	require.NoError(t, p.StartConsumer("ses_1"))
	require.Eventually(t, func() bool {
		return int(opener.opens.Load()) == 2
	}, 5*time.Second, 10*time.Millisecond)
}
