// Package source reads targets from a line oriented text stream.
//
// The reader is forward only and never holds more than one line in memory,
// so the input may be much larger than available memory. Blank lines and
// lines rejected by the Validator are skipped silently, so are malformed lines:
// invalid UTF-8 or longer than MaxLineLength. Skipped lines advance
// the raw line counter, so a progress cursor expressed in raw lines stays in
// sync with the position in the file.
package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"unicode/utf8"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

// MaxLineLength is the longest line accepted, line break included.
const MaxLineLength = 64 * 1024

// Excluder reports targets which must not be yielded again.
type Excluder interface {
	Contains(target model.Target) bool
}

// Item is one target read from the input.
type Item struct {
	Target model.Target
	Line   uint64 // 1-based raw line number
	Index  uint64 // 1-based count of valid targets, excluded ones included
}

type Source struct {
	r         *bufio.Reader
	closer    io.Closer
	offset    uint64
	exclusion Excluder
	validator Validator

	line      uint64
	index     uint64
	malformed uint64
	eof       bool
}

type Option func(*Source)

// WithOffset skips the first n raw lines.
func WithOffset(n uint64) Option {
	return func(s *Source) {
		s.offset = n
	}
}

func WithExclusion(e Excluder) Option {
	return func(s *Source) {
		s.exclusion = e
	}
}

func WithValidator(v Validator) Option {
	return func(s *Source) {
		if v != nil {
			s.validator = v
		}
	}
}

func New(r io.Reader, opts ...Option) *Source {
	s := &Source{
		r:         bufio.NewReaderSize(r, MaxLineLength),
		validator: ValidateNone,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens a target file, the returned Source must be closed.
func Open(path string, opts ...Option) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	s := New(f, opts...)
	s.closer = f
	return s, nil
}

func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

// Lines returns the number of raw lines consumed so far.
func (s *Source) Lines() uint64 {
	return s.line
}

// Malformed returns the number of lines skipped as invalid UTF-8 or too long.
func (s *Source) Malformed() uint64 {
	return s.malformed
}

// Next returns the next target or io.EOF when the input is exhausted.
func (s *Source) Next() (Item, error) {
	for {
		raw, tooLong, err := s.readLine()
		if err != nil {
			return Item{}, err
		}
		if s.line <= s.offset {
			continue
		}
		if tooLong || !utf8.Valid(raw) {
			s.malformed++
			continue
		}
		target := string(bytes.TrimSpace(raw))
		if target == "" || !s.validator(target) {
			continue
		}
		s.index++
		if s.exclusion != nil && s.exclusion.Contains(target) {
			continue
		}
		return Item{Target: target, Line: s.line, Index: s.index}, nil
	}
}

// All iterates over remaining targets. A read error is yielded once and
// ends the iteration.
func (s *Source) All() iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		for {
			item, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(item, err) || err != nil {
				return
			}
		}
	}
}

// readLine returns the next raw line. A line which does not fit the buffer
// is discarded up to its line break and reported as tooLong.
func (s *Source) readLine() (b []byte, tooLong bool, err error) {
	if s.eof {
		return nil, false, io.EOF
	}
	b, err = s.r.ReadSlice('\n')
	for errors.Is(err, bufio.ErrBufferFull) {
		tooLong = true
		b, err = s.r.ReadSlice('\n')
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.eof = true
		if len(b) == 0 && !tooLong {
			return nil, false, io.EOF
		}
	default:
		return nil, false, fmt.Errorf("source: read line %d: %w", s.line+1, err)
	}
	s.line++
	if tooLong {
		return nil, true, nil
	}
	if s.line == 1 {
		b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
	}
	return b, false, nil
}
