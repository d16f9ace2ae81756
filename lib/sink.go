package lib

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Sink is append-only storage for the bytes of one transfer until it is
// finalized or discarded.
type Sink interface {
	Write(p []byte) (int, error)
	// Finalize moves the received bytes to their final location and returns it.
	Finalize() (string, error)
	// Discard removes every trace of the transfer.
	Discard() error
	Written() uint64
}

// SinkFactory opens a sink for a transfer announced by FILE_INFO.
type SinkFactory func(id string, info FileInfo) (Sink, error)

// NewFileSinkFactory stores partial files in partialDir and renames
// completed ones into destDir.
func NewFileSinkFactory(partialDir, destDir string) (SinkFactory, error) {
	for _, dir := range []string{partialDir, destDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &IOError{Op: "mkdir", Err: err}
		}
	}
	return func(id string, info FileInfo) (Sink, error) {
		if err := checkFilename(info.Filename); err != nil {
			return nil, err
		}
		base := filepath.Base(info.Filename)
		tempPath := filepath.Join(partialDir, fmt.Sprintf("udp_%s_%s.part", id, base))
		f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, &IOError{Op: "create", Err: err}
		}
		return &fileSink{
			f:         f,
			tempPath:  tempPath,
			finalPath: filepath.Join(destDir, base),
		}, nil
	}, nil
}

type fileSink struct {
	f         *os.File
	tempPath  string
	finalPath string
	written   uint64
}

func (s *fileSink) Write(p []byte) (int, error) {
	if s.f == nil {
		return 0, &IOError{Op: "write", Err: fs.ErrClosed}
	}
	n, err := s.f.Write(p)
	s.written += uint64(n)
	if err != nil {
		return n, &IOError{Op: "write", Err: err}
	}
	return n, nil
}

func (s *fileSink) Written() uint64 {
	return s.written
}

func (s *fileSink) Finalize() (string, error) {
	if s.f == nil {
		return "", &IOError{Op: "finalize", Err: fs.ErrClosed}
	}
	f := s.f
	s.f = nil
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(s.tempPath)
		return "", &IOError{Op: "sync", Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(s.tempPath)
		return "", &IOError{Op: "close", Err: err}
	}
	if err := os.Rename(s.tempPath, s.finalPath); err != nil {
		os.Remove(s.tempPath)
		return "", &IOError{Op: "rename", Err: err}
	}
	return s.finalPath, nil
}

func (s *fileSink) Discard() error {
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	if err := os.Remove(s.tempPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "remove", Err: err}
	}
	return nil
}
