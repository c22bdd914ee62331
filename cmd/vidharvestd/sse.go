package main

import (
	"bufio"
	"bytes"
	"io"
)

// sseScanner reads one server-sent event at a time, collecting the data
// lines of each event block.
type sseScanner struct {
	scanner *bufio.Scanner
	data    []byte
	err     error
}

func newSSEScanner(r io.Reader) *sseScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 512*1024)
	return &sseScanner{scanner: scanner}
}

// Scan advances to the next event. It returns false at stream end.
func (s *sseScanner) Scan() bool {
	s.data = nil
	var data bytes.Buffer
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			if data.Len() > 0 {
				s.data = data.Bytes()
				return true
			}
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(rest)
		}
	}
	s.err = s.scanner.Err()
	if data.Len() > 0 {
		s.data = data.Bytes()
		return true
	}
	return false
}

// Data returns the data payload of the current event.
func (s *sseScanner) Data() []byte {
	return s.data
}

// Err returns the first error encountered while reading.
func (s *sseScanner) Err() error {
	return s.err
}
