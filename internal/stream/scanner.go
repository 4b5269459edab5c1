package stream

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultMaxLineBytes is used when NewLineScanner is given no limit.
const DefaultMaxLineBytes = 64 << 20

// OversizedLine stands in for a line longer than the scanner's limit. The
// line itself is skipped, and ParseRecord rejects the placeholder.
const OversizedLine = "<oversized line>"

// LineScanner yields trimmed, non-empty lines from an NDJSON byte stream.
// Partial lines and multi-byte characters split across reads are reassembled
// before they are returned. A line over the size limit is yielded as
// OversizedLine. A LineScanner is consumed once.
type LineScanner struct {
	scanner  *bufio.Scanner
	body     io.ReadCloser
	cancel   context.CancelFunc
	line     string
	maxLine  int
	skipping bool

	closeOnce sync.Once
	closeErr  error
}

// NewLineScanner wraps body. cancel, if non-nil, is invoked by Close so the
// underlying transfer stops.
func NewLineScanner(body io.ReadCloser, cancel context.CancelFunc, maxLine int) *LineScanner {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	// The decoder keeps incomplete UTF-8 sequences until the next read completes them.
	decoded := transform.NewReader(body, unicode.UTF8.NewDecoder())
	scanner := bufio.NewScanner(decoded)
	initial := 64 * 1024
	if initial > maxLine {
		initial = maxLine
	}
	scanner.Buffer(make([]byte, 0, initial), maxLine)
	ls := &LineScanner{scanner: scanner, body: body, cancel: cancel, maxLine: maxLine}
	scanner.Split(ls.splitLines)
	return ls
}

// splitLines is bufio.ScanLines, except that a line filling the whole buffer
// is discarded up to its newline and replaced by OversizedLine.
func (ls *LineScanner) splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if ls.skipping {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			ls.skipping = false
			return i + 1, []byte(OversizedLine), nil
		}
		if atEOF {
			ls.skipping = false
			return len(data), []byte(OversizedLine), nil
		}
		return len(data), nil, nil
	}
	advance, token, err := bufio.ScanLines(data, atEOF)
	if advance == 0 && token == nil && err == nil && len(data) >= ls.maxLine {
		ls.skipping = true
		return len(data), nil, nil
	}
	return advance, token, err
}

// Scan advances to the next non-empty line. It returns false at end of stream
// or on error; check Err to tell them apart.
func (ls *LineScanner) Scan() bool {
	for ls.scanner.Scan() {
		line := strings.TrimSpace(ls.scanner.Text())
		if line == "" {
			continue
		}
		ls.line = line
		return true
	}
	ls.line = ""
	return false
}

// Text returns the current line.
func (ls *LineScanner) Text() string {
	return ls.line
}

// Err returns the first non-EOF error encountered while reading.
func (ls *LineScanner) Err() error {
	return ls.scanner.Err()
}

// Close cancels the source and closes the body. Safe to call more than once.
func (ls *LineScanner) Close() error {
	ls.closeOnce.Do(func() {
		if ls.cancel != nil {
			ls.cancel()
		}
		ls.closeErr = ls.body.Close()
	})
	return ls.closeErr
}
