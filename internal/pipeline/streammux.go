package pipeline

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/seantiz/learnlab/internal/events"
)

// Stream name constants.
const (
	streamStdout = "stdout"
	streamStderr = "stderr"
)

// maxLineSize bounds a single output line; scripts emitting longer lines get
// them truncated by the scanner error path rather than blocking the pipeline.
const maxLineSize = 1 << 20

// streamLine is one unit pushed by a reader goroutine: a line of output, or
// an end-of-stream sentinel when eof is set.
type streamLine struct {
	stream string
	text   string
	eof    bool
}

// Mux multiplexes a subprocess's two output streams into classified events.
// One goroutine per stream reads lines into a shared channel; the consuming
// loop runs until both streams have signalled end-of-stream, which happens
// strictly before the process is waited on, so no buffered line is ever lost.
// Per-stream line order is preserved; cross-stream order is arrival order.
type Mux struct {
	publish func(events.Event)
	logger  *slog.Logger
}

// NewMux creates a multiplexer that dispatches each classified line through
// publish.
func NewMux(publish func(events.Event), logger *slog.Logger) *Mux {
	return &Mux{publish: publish, logger: logger}
}

// Drain consumes both streams to completion and returns the number of lines
// dispatched as events.
func (m *Mux) Drain(stdout, stderr io.Reader) int {
	lines := make(chan streamLine)
	go m.read(streamStdout, stdout, lines)
	go m.read(streamStderr, stderr, lines)

	active := 2
	dispatched := 0
	for active > 0 {
		msg := <-lines
		if msg.eof {
			active--
			continue
		}
		m.classify(msg)
		dispatched++
	}
	return dispatched
}

// read pushes every non-blank line of r into out, then the end-of-stream
// sentinel.
func (m *Mux) read(name string, r io.Reader, out chan<- streamLine) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		out <- streamLine{stream: name, text: line}
	}
	if err := sc.Err(); err != nil {
		m.logger.Warn("stream read error", "stream", name, "error", err)
	}
	out <- streamLine{stream: name, eof: true}
}

// classify turns one output line into an event. A line that parses as a
// self-describing structured record (JSON object with a string "type") is
// dispatched as a typed event; anything else becomes a plain log line tagged
// with its source stream, stderr defaulting to error severity.
func (m *Mux) classify(msg streamLine) {
	if strings.HasPrefix(msg.text, "{") && strings.HasSuffix(msg.text, "}") {
		var rec struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(msg.text), &rec); err == nil && rec.Type != "" {
			m.publish(structuredEvent(rec.Type, json.RawMessage(msg.text)))
			return
		}
	}

	severity := events.SeverityInfo
	if msg.stream == streamStderr {
		severity = events.SeverityError
	}
	m.publish(events.StreamLog(severity, msg.stream, msg.text))
}

// structuredEvent maps a structured record from script output to its event.
func structuredEvent(recType string, raw json.RawMessage) events.Event {
	switch recType {
	case events.TypeProgress:
		var p struct {
			Current int `json:"current"`
			Total   int `json:"total"`
		}
		if err := json.Unmarshal(raw, &p); err == nil {
			return events.Progress(p.Current, p.Total)
		}
	case events.TypeError:
		var e struct {
			Source  string `json:"source"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
			return events.Error(e.Source, e.Message)
		}
	}
	// Metrics and stage results carry the record verbatim.
	return events.Structured(recType, raw)
}
