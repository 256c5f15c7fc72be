package rpc

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Frames are the LSP base-protocol form: a Content-Length header, a blank
// line, then exactly that many bytes of JSON.

const maxFrameSize = 64 << 20 // refuse absurd frames rather than OOM

// encodeFrame prefixes payload with its Content-Length header, returning
// a single buffer so the transport can hand one write to the wire.
func encodeFrame(payload []byte) []byte {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	return buf
}

// readFrame reads one framed payload. Unknown headers are skipped; a
// missing or invalid Content-Length is a protocol error.
func readFrame(r *bufio.Reader) ([]byte, error) {
	contentLength := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed header %q", ErrProtocol, line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("%w: bad Content-Length %q", ErrProtocol, value)
			}
			contentLength = n
		}
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length header", ErrProtocol)
	}
	if contentLength > maxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, contentLength)
	}

	body := make([]byte, contentLength)
	if _, err := readFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
