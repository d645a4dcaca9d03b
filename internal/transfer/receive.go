// Package transfer receives raw image payloads announced on the control stream
// and manages download tickets for the stored captures.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrAborted is returned when the stream ends or fails before size bytes arrive.
// Partial output is discarded.
var ErrAborted = errors.New("transfer aborted")

// Sink creates outputs for incoming images
type Sink interface {
	Create(peer string, at time.Time) (Output, error)
}

// Output receives one image. Exactly one of Commit or Abort is called.
type Output interface {
	io.Writer
	// Commit finalizes the output and returns where it was stored
	Commit() (string, error)
	// Abort discards everything written so far
	Abort() error
}

// Result describes a completed transfer
type Result struct {
	Path     string
	Peer     string
	Bytes    int64
	Duration time.Duration
}

// Receive copies exactly size bytes from r into a new output from sink.
// A short read aborts the output and returns an error wrapping ErrAborted.
func Receive(r io.Reader, size int64, sink Sink, peer string, at time.Time) (Result, error) {
	start := time.Now()

	out, err := sink.Create(peer, at)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create image output: %w", err)
	}

	n, err := io.CopyN(out, r, size)
	if err != nil {
		if abortErr := out.Abort(); abortErr != nil {
			err = errors.Join(err, abortErr)
		}
		return Result{Peer: peer, Bytes: n}, fmt.Errorf("%w after %d of %d bytes: %w", ErrAborted, n, size, err)
	}

	path, err := out.Commit()
	if err != nil {
		return Result{Peer: peer, Bytes: n}, fmt.Errorf("failed to store image: %w", err)
	}

	return Result{
		Path:     path,
		Peer:     peer,
		Bytes:    n,
		Duration: time.Since(start),
	}, nil
}

// FileSink stores images as <peer>_<unix-seconds>.jpg under a directory.
// Data is written to a hidden temporary file and renamed on commit, so an
// aborted transfer never leaves a visible file.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

// Dir returns the capture directory
func (s *FileSink) Dir() string {
	return s.dir
}

// Create opens a temporary file for one image
func (s *FileSink) Create(peer string, at time.Time) (Output, error) {
	f, err := os.CreateTemp(s.dir, ".partial-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return &fileOutput{
		f:    f,
		dir:  s.dir,
		base: fmt.Sprintf("%s_%d", sanitizePeer(peer), at.Unix()),
	}, nil
}

type fileOutput struct {
	f    *os.File
	dir  string
	base string
}

func (o *fileOutput) Write(p []byte) (int, error) {
	return o.f.Write(p)
}

func (o *fileOutput) Commit() (string, error) {
	if err := o.f.Close(); err != nil {
		os.Remove(o.f.Name())
		return "", err
	}

	// Two captures from the same peer within one second get a numeric suffix.
	// The name is claimed with O_EXCL first, so concurrent commits never
	// rename onto each other.
	for i := 0; ; i++ {
		name := o.base + ".jpg"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.jpg", o.base, i)
		}
		path := filepath.Join(o.dir, name)
		placeholder, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			os.Remove(o.f.Name())
			return "", fmt.Errorf("failed to claim %s: %w", name, err)
		}
		placeholder.Close()

		if err := os.Rename(o.f.Name(), path); err != nil {
			os.Remove(path)
			os.Remove(o.f.Name())
			return "", err
		}
		return path, nil
	}
}

func (o *fileOutput) Abort() error {
	o.f.Close()
	return os.Remove(o.f.Name())
}

// sanitizePeer makes an address safe to use in a file name (IPv6 colons included)
func sanitizePeer(peer string) string {
	if peer == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, peer)
}
