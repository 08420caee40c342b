// Package sse decodes server-sent event streams from OpenAI-shaped chat
// completion endpoints.
package sse

import (
	"bufio"
	"bytes"
	"io"
)

// doneMarker terminates an OpenAI-compatible stream.
var doneMarker = []byte("[DONE]")

// maxLineSize bounds one SSE line. Data lines carry single chunks, so 1 MiB
// leaves generous headroom.
const maxLineSize = 1 << 20

// Decoder yields the data payload of each SSE event. Partial trailing lines
// are buffered until the next read completes them.
type Decoder struct {
	sc   *bufio.Scanner
	done bool
}

// NewDecoder wraps the response body of a streaming request.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Decoder{sc: sc}
}

// Next returns the payload of the next data event. It skips comments, event
// names, and blank lines. io.EOF means the stream finished, either via the
// [DONE] marker or the underlying reader ending.
func (d *Decoder) Next() ([]byte, error) {
	if d.done {
		return nil, io.EOF
	}
	for d.sc.Scan() {
		line := d.sc.Bytes()
		data, ok := dataPayload(line)
		if !ok {
			continue
		}
		if bytes.Equal(data, doneMarker) {
			d.done = true
			return nil, io.EOF
		}
		// The scanner reuses its buffer; hand out a copy.
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	d.done = true
	if err := d.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// dataPayload extracts the payload of a "data:" line.
func dataPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r")
	rest, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return nil, false
	}
	return bytes.TrimLeft(rest, " "), true
}
