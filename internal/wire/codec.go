package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Frame delimiter. JSON escapes raw newlines inside strings, so '\n'
// can never appear in a serialized message body.
const delimiter = '\n'

// Encode serializes a message into one self-delimited frame.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w", m.Type, err)
	}
	return append(data, delimiter), nil
}

// Decoder accumulates stream bytes and extracts complete frames.
// Partial trailing bytes are kept for the next Decode call, so the
// caller may feed arbitrary TCP segment boundaries.
type Decoder struct {
	buf     []byte
	dropped int
}

// Decode appends p to the receive buffer and returns every complete
// message found. Malformed frames are dropped rather than surfaced:
// one corrupt frame must not wedge a long-lived connection. Drops are
// counted and available via Dropped.
func (d *Decoder) Decode(p []byte) []Message {
	d.buf = append(d.buf, p...)

	var msgs []Message
	for {
		i := bytes.IndexByte(d.buf, delimiter)
		if i < 0 {
			break
		}
		frame := d.buf[:i]
		d.buf = d.buf[i+1:]

		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}

		var m Message
		if err := json.Unmarshal(frame, &m); err != nil {
			d.dropped++
			slog.Debug("dropping malformed frame", "bytes", len(frame), "err", err)
			continue
		}
		if err := m.Validate(); err != nil {
			d.dropped++
			slog.Debug("dropping invalid frame", "err", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// Dropped returns how many malformed frames have been discarded.
func (d *Decoder) Dropped() int { return d.dropped }

// Buffered returns the number of partial trailing bytes awaiting more data.
func (d *Decoder) Buffered() int { return len(d.buf) }
