package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func collect(t *testing.T, d *Decoder) []string {
	t.Helper()
	var out []string
	for {
		data, err := d.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, string(data))
	}
}

func TestDecode(t *testing.T) {
	body := "data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n"
	got := collect(t, NewDecoder(strings.NewReader(body)))
	want := []string{`{"a":1}`, `{"b":2}`}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDecode_SkipsNonData(t *testing.T) {
	body := ": keep-alive\nevent: message\ndata: {\"a\":1}\n\nretry: 100\ndata: [DONE]\n"
	got := collect(t, NewDecoder(strings.NewReader(body)))
	if len(got) != 1 || got[0] != `{"a":1}` {
		t.Fatalf("got %v, want single data event", got)
	}
}

func TestDecode_CRLFAndNoSpace(t *testing.T) {
	body := "data:{\"a\":1}\r\n\r\ndata: [DONE]\r\n"
	got := collect(t, NewDecoder(strings.NewReader(body)))
	if len(got) != 1 || got[0] != `{"a":1}` {
		t.Fatalf("got %v, want payload without leading space", got)
	}
}

func TestDecode_EOFWithoutDone(t *testing.T) {
	d := NewDecoder(strings.NewReader("data: {\"a\":1}\n"))
	if _, err := d.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF at reader end", err)
	}
	// Terminal state is sticky.
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF on repeated call", err)
	}
}

type failingReader struct {
	data string
	read bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return copy(p, r.data), nil
	}
	return 0, errors.New("connection reset")
}

func TestDecode_ReaderError(t *testing.T) {
	d := NewDecoder(&failingReader{data: "data: {\"a\":1}\n"})
	if _, err := d.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := d.Next(); err == nil || err == io.EOF {
		t.Fatalf("err = %v, want the propagated reader error", err)
	}
}

func TestDecode_SplitAcrossReads(t *testing.T) {
	// io.MultiReader delivers the line in two fragments; the partial line
	// must be buffered until the second read completes it.
	r := io.MultiReader(
		strings.NewReader("data: {\"a\""),
		strings.NewReader(":1}\ndata: [DONE]\n"),
	)
	got := collect(t, NewDecoder(r))
	if len(got) != 1 || got[0] != `{"a":1}` {
		t.Fatalf("got %v, want reassembled payload", got)
	}
}
