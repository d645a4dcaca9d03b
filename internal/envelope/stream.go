package envelope

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultMaxSize is the largest envelope a Reader accepts by default
	DefaultMaxSize = 64 * 1024

	readBufferSize = 4096
)

// ErrTooLarge is returned when an envelope exceeds the reader's size limit.
// The stream position is lost after this error.
var ErrTooLarge = errors.New("envelope too large")

// Reader delimits envelopes on a byte stream.
//
// One top-level JSON object is read at a time by tracking brace depth, so
// both newline-delimited envelopes and envelopes written back-to-back with no
// delimiter are split at the exact object boundary. Bytes after the boundary
// stay buffered and are available through Read, which is how raw image
// payloads are consumed after their announcing envelope. A payload starts at
// the byte after the closing brace; nothing between them is skipped.
type Reader struct {
	br      *bufio.Reader
	maxSize int
}

// NewReader wraps r. maxSize <= 0 selects DefaultMaxSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Reader{
		br:      bufio.NewReaderSize(r, readBufferSize),
		maxSize: maxSize,
	}
}

// Read reads raw bytes that follow the last envelope
func (r *Reader) Read(p []byte) (int, error) {
	return r.br.Read(p)
}

// ReadEnvelope reads the next envelope.
//
// It returns io.EOF when the stream ends cleanly between envelopes,
// io.ErrUnexpectedEOF when it ends inside one, an ErrMalformed error for a
// complete object that does not decode (the stream stays usable), and
// ErrTooLarge when the object exceeds the size limit.
func (r *Reader) ReadEnvelope() (Envelope, error) {
	if err := r.skipToObject(); err != nil {
		return nil, err
	}

	raw, err := r.scanObject()
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env == nil {
		env = Envelope{}
	}
	return env, nil
}

// skipToObject advances past whitespace to the next '{'. Anything else
// between envelopes is discarded up to the next '{' and reported as malformed.
func (r *Reader) skipToObject() error {
	skipped := 0
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			if err == io.EOF && skipped > 0 {
				return fmt.Errorf("%w: %d stray bytes before end of stream", ErrMalformed, skipped)
			}
			return err
		}
		switch b {
		case '{':
			if skipped > 0 {
				// Leave the brace for the next call so this one can report the junk.
				if err := r.br.UnreadByte(); err != nil {
					return err
				}
				return fmt.Errorf("%w: skipped %d stray bytes", ErrMalformed, skipped)
			}
			return r.br.UnreadByte()
		case ' ', '\t', '\r', '\n':
			continue
		default:
			skipped++
		}
	}
}

// scanObject returns the bytes of one complete top-level object
func (r *Reader) scanObject() ([]byte, error) {
	var (
		buf      []byte
		depth    int
		inString bool
		escaped  bool
	)
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		buf = append(buf, b)
		if len(buf) > r.maxSize {
			return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, r.maxSize)
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return buf, nil
			}
		}
	}
}

// Writer writes envelopes as JSON lines
type Writer struct {
	w io.Writer
}

// NewWriter wraps w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteEnvelope writes e in a single Write call
func (w *Writer) WriteEnvelope(e Envelope) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}
