package streaming

import (
	"bufio"
	"io"
	"strings"
)

// Event is one Server-Sent Event, delimited by a blank line.
type Event struct {
	// Type is the "event:" field; empty means the default message type.
	Type string

	// Data is every "data:" line of the event joined with "\n".
	Data string

	ID string
}

// Reader parses SSE events from an upstream body.
// It reads one line at a time and never buffers more than one event.
type Reader struct {
	scanner *bufio.Scanner
	current Event
	hasData bool
}

// NewReader returns a Reader over src. Lines up to 1 MiB are accepted.
func NewReader(src io.Reader) *Reader {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next blocks until a complete event is available. It returns io.EOF when the
// source is exhausted; a trailing event without a blank line is still returned.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if r.hasData {
				return r.take(), nil
			}
			continue
		}

		// Comment lines double as keep-alives.
		if strings.HasPrefix(line, ":") {
			continue
		}

		r.parseLine(line)
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}

	if r.hasData {
		return r.take(), nil
	}
	return nil, io.EOF
}

func (r *Reader) parseLine(line string) {
	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "data":
		if r.hasData && r.current.Data != "" {
			r.current.Data += "\n"
		}
		r.current.Data += value
		r.hasData = true
	case "event":
		r.current.Type = value
		r.hasData = true
	case "id":
		r.current.ID = value
		r.hasData = true
	}
}

func (r *Reader) take() *Event {
	ev := r.current
	r.current = Event{}
	r.hasData = false
	return &ev
}
