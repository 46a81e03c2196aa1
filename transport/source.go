// Package transport implements the byte-stream Source/Sink abstractions
// that carry the record wire format to and from a file or a live TCP peer.
package transport

import (
	"bufio"
	"fmt"
	"os"
)

// Source is a byte-stream origin for the record codec. Read is
// all-or-nothing: it either fills buf completely or reports failure.
// GetLine reads up to (and consuming) the next occurrence of sep,
// returning the bytes before it with sep excluded.
//
// A partial read at end-of-stream is reported the same way as a clean
// EOF (Read/GetLine returning ok=false); it is the caller's
// responsibility — the decoder state machine — to tell a graceful close
// from a mid-payload truncation by checking IsOpen and its own position
// in the tag stream, per spec.md §7.
type Source interface {
	Read(buf []byte) (ok bool)
	GetLine(sep byte) (line string, ok bool)
	IsOpen() bool
	Close() error
}

// FileSource is a Source backed by a buffered sequential file read.
type FileSource struct {
	f      *os.File
	r      *bufio.Reader
	closed bool
}

// OpenFileSource opens path for buffered sequential reading.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file %s: %w", path, err)
	}
	return &FileSource{f: f, r: bufio.NewReaderSize(f, 64<<10)}, nil
}

// Read implements Source.
func (s *FileSource) Read(buf []byte) bool {
	if s.closed {
		return false
	}
	if len(buf) == 0 {
		return true
	}
	if _, err := readFull(s.r, buf); err != nil {
		return false
	}
	return true
}

// GetLine implements Source.
func (s *FileSource) GetLine(sep byte) (string, bool) {
	if s.closed {
		return "", false
	}
	line, err := s.r.ReadString(sep)
	if err != nil {
		return "", false
	}
	return line[:len(line)-1], true
}

// IsOpen implements Source.
func (s *FileSource) IsOpen() bool {
	return !s.closed
}

// Close implements Source.
func (s *FileSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// readFull fills buf completely from r or fails; unlike io.ReadFull it
// treats any short read (including a clean EOF) uniformly as failure,
// matching the all-or-nothing Source.Read contract.
func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
