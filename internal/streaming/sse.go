// Package streaming decodes and re-encodes the streamed response formats
// providers use: server-sent events and the AWS binary event stream.
package streaming

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
)

const maxSSELine = 4 << 20

// Event is one server-sent event.
type Event struct {
	Event string
	Data  string
	ID    string
}

// Encode renders the event in wire form, terminated by a blank line.
func (e Event) Encode() []byte {
	var b bytes.Buffer
	if e.ID != "" {
		b.WriteString("id: " + e.ID + "\n")
	}
	if e.Event != "" {
		b.WriteString("event: " + e.Event + "\n")
	}
	for _, line := range strings.Split(e.Data, "\n") {
		b.WriteString("data: " + line + "\n")
	}
	b.WriteString("\n")
	return b.Bytes()
}

// Parser reads server-sent events from a byte stream. Frames may span any
// number of reads.
type Parser struct {
	sc *bufio.Scanner
}

func NewParser(r io.Reader) *Parser {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	sc.Split(scanLines)
	return &Parser{sc: sc}
}

// Next returns the next event, or io.EOF once the stream is exhausted.
func (p *Parser) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		pending bool
	)
	for p.sc.Scan() {
		line := p.sc.Text()
		if line == "" {
			if pending {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		case "id":
			ev.ID = value
			pending = true
		}
	}
	if err := p.sc.Err(); err != nil {
		return Event{}, err
	}
	// a final frame without the trailing blank line is still delivered
	if len(data) > 0 {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}

// scanLines splits on \n, \r\n or a lone \r.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, c := range data {
		switch c {
		case '\n':
			return i + 1, data[:i], nil
		case '\r':
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if atEOF {
				return i + 1, data[:i], nil
			}
			// need one more byte to tell \r from \r\n
			return 0, nil, nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Events yields every event of r. Read errors other than EOF are logged and
// end the sequence.
func Events(r io.Reader) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		p := NewParser(r)
		for {
			ev, err := p.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					slog.Warn("sse: read failed", slog.Any("error", err))
				}
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// JSONChunks yields the JSON object carried by each event. The [DONE]
// sentinel is skipped and undecodable events are logged and skipped.
func JSONChunks(r io.Reader) iter.Seq[jsonutil.Object] {
	return func(yield func(jsonutil.Object) bool) {
		for ev := range Events(r) {
			data := strings.TrimSpace(ev.Data)
			if data == "" || data == "[DONE]" {
				continue
			}
			obj, err := jsonutil.DecodeObject([]byte(data))
			if err != nil {
				slog.Warn("sse: invalid event json", slog.String("event", ev.Event), slog.Any("error", err))
				continue
			}
			if !yield(obj) {
				return
			}
		}
	}
}
