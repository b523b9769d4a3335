// Package sse parses server-sent event streams from the backend.
//
// The parser is deliberately small: it understands the SSE wire format
// (named fields, comment lines, blank-line dispatch) and leaves payload
// interpretation to the caller.
package sse

import (
	"bufio"
	"encoding/json"
	"io"
	"iter"
	"strings"
)

// maxScanTokenSize bounds a single stream line. Event payloads can carry
// whole assistant messages, so the scanner default is far too small.
const maxScanTokenSize = 1024 * 1024 // 1MB

// Event is one dispatched server-sent event frame.
type Event struct {
	// Name is the value of the frame's event field, empty when the
	// server sent none.
	Name string

	// ID is the value of the frame's id field, if any.
	ID string

	// Data holds the frame's data lines joined with newlines, exactly as
	// received. JSON decoding is left to DataMap.
	Data string

	// Fields carries every other frame field (retry and friends), last
	// value per name. Nil when the frame had none.
	Fields map[string]string
}

// DataMap decodes the frame payload as a JSON object. Payloads that are
// not JSON objects are wrapped as {"text": raw} so callers always get
// something loggable.
func (e Event) DataMap() map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(e.Data), &m); err == nil && m != nil {
		return m
	}

	return map[string]any{"text": e.Data}
}

// Events parses frames from r and yields them in stream order. The
// sequence ends when the reader is exhausted or errors; a stream that
// ends mid-frame still delivers the partial frame it carried. Stopping
// iteration early is safe, but it is the caller's job to close the
// underlying reader.
func Events(r io.Reader) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), maxScanTokenSize)

		var (
			name   string
			id     string
			data   []string
			fields map[string]string
		)

		flush := func() (Event, bool) {
			if name == "" && id == "" && data == nil && fields == nil {
				return Event{}, false
			}

			event := Event{Name: name, ID: id, Data: strings.Join(data, "\n"), Fields: fields}
			name, id, data, fields = "", "", nil, nil

			return event, true
		}

		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")

			// A blank line dispatches the accumulated frame.
			if line == "" {
				if event, ok := flush(); ok && !yield(event) {
					return
				}

				continue
			}

			// Lines starting with a colon are comments (keep-alives).
			if strings.HasPrefix(line, ":") {
				continue
			}

			// A line without a colon is a field with an empty value.
			field, value, found := strings.Cut(line, ":")
			if found {
				value = strings.TrimPrefix(value, " ")
			}

			switch field {
			case "event":
				name = value
			case "data":
				data = append(data, value)
			case "id":
				id = value
			default:
				if fields == nil {
					fields = make(map[string]string)
				}

				fields[field] = value
			}
		}

		if event, ok := flush(); ok {
			yield(event)
		}
	}
}
