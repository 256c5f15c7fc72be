package rpc

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"jsonrpc":"2.0","method":"ping"}`)
	encoded := encodeFrame(payload)

	got, err := readFrame(bufio.NewReader(bytes.NewReader(encoded)))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestFrameExtraHeaders(t *testing.T) {
	raw := "Content-Type: application/vscode-jsonrpc; charset=utf-8\r\n" +
		"Content-Length: 2\r\n\r\n{}"
	got, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("payload = %q, want {}", got)
	}
}

func TestFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing content-length", "Content-Type: foo\r\n\r\n{}"},
		{"bad content-length", "Content-Length: nope\r\n\r\n{}"},
		{"malformed header", "garbage line\r\n\r\n{}"},
		{"oversize", "Content-Length: 999999999999\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readFrame(bufio.NewReader(strings.NewReader(tt.raw)))
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("err = %v, want ErrProtocol", err)
			}
		})
	}
}

func TestFrameEOF(t *testing.T) {
	_, err := readFrame(bufio.NewReader(strings.NewReader("")))
	if err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}

	// Truncated body surfaces the underlying read error, not a hang.
	_, err = readFrame(bufio.NewReader(strings.NewReader("Content-Length: 10\r\n\r\n{}")))
	if err == nil {
		t.Error("expected error for truncated body")
	}
}

func TestFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeFrame([]byte(`{"a":1}`)))
	buf.Write(encodeFrame([]byte(`{"b":2}`)))

	r := bufio.NewReader(&buf)
	first, err := readFrame(r)
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	second, err := readFrame(r)
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if string(first) != `{"a":1}` || string(second) != `{"b":2}` {
		t.Errorf("frames = %q, %q", first, second)
	}
}
