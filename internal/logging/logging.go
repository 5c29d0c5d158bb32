// Package logging configures the process-wide structured logger and a
// small size-based rotating file writer that renames full segments
// aside.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// New configures a *logrus.Logger writing JSON lines to path, rotated
// at maxSizeMB with backups beyond maxBackups pruned.
func New(path string, maxSizeMB, maxBackups int, level string) (*logrus.Logger, error) {
	writer, err := newRotatingFile(path, int64(maxSizeMB)*1024*1024, maxBackups)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(io.MultiWriter(os.Stdout, writer))

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log, nil
}

// rotatingFile is a size-bounded rotating writer. Rotation renames the
// current file aside (path.1, path.2, ...) and opens a fresh one, the
// same rename-to-preserve-the-old discipline the rest of the engine
// uses for atomicity, applied here to log segments instead of state.
type rotatingFile struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	file       *os.File
	size       int64
}

func newRotatingFile(path string, maxBytes int64, maxBackups int) (*rotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	rf := &rotatingFile{path: path, maxBytes: maxBytes, maxBackups: maxBackups}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (r *rotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.file = f
	r.size = info.Size()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxBytes > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}

	for i := r.maxBackups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", r.path, i)
		dst := fmt.Sprintf("%s.%d", r.path, i+1)
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	if r.maxBackups > 0 {
		os.Rename(r.path, r.path+".1")
	}

	return r.open()
}
