package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// staged is a fully buffered upload body. Object stores need the length up
// front and a seekable body so a failed attempt can be replayed from offset 0.
type staged struct {
	body io.ReadSeeker
	size int64
	file *os.File
}

// stage drains src into dir (a temp file) or, when dir is empty, memory.
func stage(ctx context.Context, dir, prefix string, src io.Reader, chunkSize int) (*staged, error) {
	buf := make([]byte, chunkSize)

	if dir == "" {
		var mem bytes.Buffer
		n, err := copyChunks(ctx, &mem, src, buf)
		if err != nil {
			return nil, err
		}
		return &staged{body: bytes.NewReader(mem.Bytes()), size: n}, nil
	}

	f, err := os.CreateTemp(dir, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	s := &staged{body: f, file: f}
	n, err := copyChunks(ctx, f, src, buf)
	if err != nil {
		s.release()
		return nil, err
	}
	s.size = n
	if err := s.rewind(); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *staged) rewind() error {
	if _, err := s.body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind staged upload: %w", err)
	}
	return nil
}

func (s *staged) release() {
	if s.file == nil {
		return
	}
	_ = s.file.Close()
	_ = os.Remove(s.file.Name())
}

// stagePrefix names temp files after the artifact so stray files are easy to
// attribute.
func stagePrefix(key Key) string {
	return "pkg-" + key.Name + "-"
}

// removeFilesIn deletes the regular files directly inside dir and returns the
// first failure.
func removeFilesIn(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	var firstErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
