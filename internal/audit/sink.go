package audit

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Sink is an append-only byte log of newline-terminated records.
type Sink interface {
	// Append writes one complete line. A failed Append leaves no bytes behind.
	Append(line []byte) error
	// Replay calls fn for every line, oldest first, without the newline.
	Replay(fn func(line []byte) error) error
	// Last returns the final line, or nil when the sink is empty. Replay and
	// Last fail when the final line is missing its newline.
	Last() ([]byte, error)
	Close() error
}

// FileSink appends JSON lines to a file.
type FileSink struct {
	path  string
	fsync bool

	mu     sync.Mutex
	f      *os.File
	size   int64
	broken error
}

// OpenFileSink opens or creates the log at path.
func OpenFileSink(path string, fsync bool) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileSink{path: path, fsync: fsync, f: f, size: st.Size()}, nil
}

// Path returns the log file path.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if s.broken != nil {
		return sinkError("append", s.broken)
	}
	_, err := s.f.Write(line)
	if err == nil && s.fsync {
		err = s.f.Sync()
	}
	if err != nil {
		// Drop any torn bytes so the next append starts on a clean line.
		if terr := s.f.Truncate(s.size); terr != nil {
			s.broken = terr
		}
		return sinkError("append", err)
	}
	s.size += int64(len(line))
	return nil
}

func (s *FileSink) Replay(fn func(line []byte) error) error {
	s.mu.Lock()
	size := s.size
	closed := s.f == nil
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	f, err := os.Open(s.path)
	if err != nil {
		return sinkError("replay", err)
	}
	defer f.Close()
	return replayLines(io.LimitReader(f, size), fn)
}

func (s *FileSink) Last() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	if s.size == 0 {
		return nil, nil
	}
	window := int64(4096)
	for {
		if window > s.size {
			window = s.size
		}
		buf := make([]byte, window)
		if _, err := s.f.ReadAt(buf, s.size-window); err != nil && !errors.Is(err, io.EOF) {
			return nil, sinkError("last", err)
		}
		if buf[len(buf)-1] != '\n' {
			return nil, errTornRecord
		}
		body := bytes.TrimSuffix(buf, []byte{'\n'})
		if i := bytes.LastIndexByte(body, '\n'); i >= 0 {
			return append([]byte(nil), body[i+1:]...), nil
		}
		if window == s.size {
			return append([]byte(nil), body...), nil
		}
		window *= 2
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func replayLines(r io.Reader, fn func(line []byte) error) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				return errTornRecord
			}
			return nil
		}
		if err != nil {
			return sinkError("replay", err)
		}
		if ferr := fn(line[:len(line)-1]); ferr != nil {
			return ferr
		}
	}
}

// MemorySink keeps lines in memory. It backs tests and ephemeral gates.
type MemorySink struct {
	mu    sync.Mutex
	lines [][]byte
	// FailAppends makes every Append fail with this error while non-nil.
	FailAppends error
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppends != nil {
		return sinkError("append", s.FailAppends)
	}
	s.lines = append(s.lines, bytes.TrimSuffix(append([]byte(nil), line...), []byte{'\n'}))
	return nil
}

func (s *MemorySink) Replay(fn func(line []byte) error) error {
	s.mu.Lock()
	snapshot := append([][]byte(nil), s.lines...)
	s.mu.Unlock()
	for _, l := range snapshot {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemorySink) Last() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return nil, nil
	}
	return append([]byte(nil), s.lines[len(s.lines)-1]...), nil
}

func (s *MemorySink) Close() error { return nil }

// Len returns the number of stored lines.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

// Line returns a copy of line i.
func (s *MemorySink) Line(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.lines[i]...)
}

// Overwrite replaces line i, bypassing the append-only contract.
func (s *MemorySink) Overwrite(i int, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[i] = append([]byte(nil), line...)
}
