package sniff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// MinHeaderBytes is the number of leading bytes needed to classify a stream.
// It equals the longest built-in signature prefix.
const MinHeaderBytes = 4

// maxEmptyReads bounds consecutive (0, nil) reads before giving up.
const maxEmptyReads = 100

var (
	ErrInvalidFormat  = errors.New("invalid file type, only JPG and PNG allowed")
	ErrStreamTooShort = errors.New("file too short")
)

// SourceError reports that the underlying stream failed before it could be
// classified.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source stream: %v", e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Rule is a byte-prefix signature identifying a binary format.
type Rule struct {
	Name        string
	ContentType string
	Prefix      []byte
}

// Match reports whether header starts with the rule's prefix.
func (r Rule) Match(header []byte) bool {
	return len(r.Prefix) > 0 && bytes.HasPrefix(header, r.Prefix)
}

var (
	JPEG = Rule{Name: "jpeg", ContentType: "image/jpeg", Prefix: []byte{0xFF, 0xD8, 0xFF}}
	PNG  = Rule{Name: "png", ContentType: "image/png", Prefix: []byte{0x89, 0x50, 0x4E, 0x47}}
)

// DefaultRules returns the built-in rules in evaluation order.
func DefaultRules() []Rule {
	return []Rule{JPEG, PNG}
}

// Stream replays the sniffed header and then passes reads through to the
// underlying source. It must be consumed by a single reader.
type Stream struct {
	ctx    context.Context
	header []byte
	src    io.ReadCloser
	format Rule
}

// Format returns the rule that matched the stream header.
func (s *Stream) Format() Rule {
	return s.format
}

func (s *Stream) Read(p []byte) (int, error) {
	if len(s.header) > 0 {
		n := copy(p, s.header)
		s.header = s.header[n:]
		return n, nil
	}
	if err := s.ctx.Err(); err != nil {
		return 0, err
	}
	return s.src.Read(p)
}

// Close closes the underlying source.
func (s *Stream) Close() error {
	return s.src.Close()
}

// Sniff reads exactly minHeader bytes from src and checks them against rules
// in order. On a match it returns a Stream yielding the complete byte
// sequence and ownership of src moves to the Stream. On any failure src is
// closed before Sniff returns.
func Sniff(ctx context.Context, src io.ReadCloser, minHeader int, rules []Rule) (*Stream, error) {
	if minHeader <= 0 {
		minHeader = MinHeaderBytes
	}

	header, err := readHeader(ctx, src, minHeader)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	for _, rule := range rules {
		if rule.Match(header) {
			return &Stream{
				ctx:    ctx,
				header: header,
				src:    src,
				format: rule,
			}, nil
		}
	}

	_ = src.Close()
	return nil, ErrInvalidFormat
}

func readHeader(ctx context.Context, src io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	filled, empty := 0, 0

	for filled < size {
		if err := ctx.Err(); err != nil {
			return nil, &SourceError{Err: err}
		}

		n, err := src.Read(buf[filled:])
		filled += n

		switch {
		case filled >= size:
			// A trailing error is left for the downstream reader.
			return buf, nil
		case errors.Is(err, io.EOF):
			return nil, ErrStreamTooShort
		case err != nil:
			return nil, &SourceError{Err: err}
		case n == 0:
			empty++
			if empty >= maxEmptyReads {
				return nil, &SourceError{Err: io.ErrNoProgress}
			}
		default:
			empty = 0
		}
	}

	return buf, nil
}
