package session

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const (
	readBufSize = 64 * 1024
	maxLineSize = 64 * 1024 * 1024
)

// lineScanner yields the non-blank lines of a JSONL stream. Lines
// longer than max bytes are dropped and counted. A trailing \r is
// stripped.
type lineScanner struct {
	r       *bufio.Reader
	max     int
	buf     []byte
	text    string
	lineNo  int
	dropped int
	err     error
}

func newLineScanner(r io.Reader, max int) *lineScanner {
	return &lineScanner{
		r:   bufio.NewReaderSize(r, readBufSize),
		max: max,
	}
}

// Scan advances to the next line, returning false at the end of
// input or on a read error.
func (s *lineScanner) Scan() bool {
	for {
		line, tooLong, err := s.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = err
			}
			return false
		}
		s.lineNo++
		if tooLong {
			s.dropped++
			continue
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s.text = string(line)
		return true
	}
}

// Text returns the current line.
func (s *lineScanner) Text() string { return s.text }

// LineNo returns the 1-based physical line number of the current
// line.
func (s *lineScanner) LineNo() int { return s.lineNo }

// Dropped returns how many oversized lines were skipped so far.
func (s *lineScanner) Dropped() int { return s.dropped }

// Err returns the first non-EOF read error.
func (s *lineScanner) Err() error { return s.err }

// readLine returns the next physical line without its terminator.
// An oversized line is consumed and reported with tooLong set.
func (s *lineScanner) readLine() (line []byte, tooLong bool, err error) {
	s.buf = s.buf[:0]
	for {
		chunk, err := s.r.ReadSlice('\n')
		if !tooLong {
			s.buf = append(s.buf, chunk...)
			if len(bytes.TrimRight(s.buf, "\r\n")) > s.max {
				tooLong = true
				s.buf = s.buf[:0]
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil:
			return bytes.TrimRight(s.buf, "\r\n"), tooLong, nil
		case errors.Is(err, io.EOF) && (len(s.buf) > 0 || tooLong):
			return bytes.TrimRight(s.buf, "\r\n"), tooLong, nil
		default:
			return nil, false, err
		}
	}
}
