package paginate

import (
	"bytes"
	"context"
	"encoding/csv"
)

// ChunkStream is a lazy sequence of encoded byte chunks.
// Bytes is valid until the next call to Next; callers copy what they keep.
type ChunkStream interface {
	Next() bool
	Bytes() []byte
	Err() error
	Close() error
}

// JSONStream splices per-page JSON arrays into one JSON array.
type JSONStream[T any] struct {
	ctx   context.Context
	pages *Paginator[T]
	codec Codec[T]
	shape RowShape

	buf      bytes.Buffer
	chunk    []byte
	emitted  bool
	finished bool
	closed   bool
	err      error
}

func NewJSONStream[T any](ctx context.Context, pages *Paginator[T], codec Codec[T], shape RowShape) *JSONStream[T] {
	return &JSONStream[T]{ctx: ctx, pages: pages, codec: codec, shape: shape}
}

// Next produces the next chunk: the first non-empty page without its closing
// bracket, each later page as "," plus its elements, then "]". An empty result
// is the single chunk "[]".
func (s *JSONStream[T]) Next() bool {
	s.chunk = nil
	if s.closed || s.finished || s.err != nil {
		return false
	}
	if s.pages.Next(s.ctx) {
		s.buf.Reset()
		if err := encodeRows(&s.buf, s.pages.Page(), s.codec, s.shape); err != nil {
			s.fail(err)
			return false
		}
		b := s.buf.Bytes()
		if s.emitted {
			b[0] = ','
		}
		s.chunk = b[:len(b)-1]
		s.emitted = true
		return true
	}
	if err := s.pages.Err(); err != nil {
		s.fail(err)
		return false
	}
	s.finished = true
	if s.emitted {
		s.chunk = []byte("]")
	} else {
		s.chunk = []byte("[]")
	}
	return true
}

func (s *JSONStream[T]) Bytes() []byte { return s.chunk }

func (s *JSONStream[T]) Err() error { return s.err }

// Close stops the stream. No further queries are issued.
func (s *JSONStream[T]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pages.Stop()
	s.chunk = nil
	s.buf = bytes.Buffer{}
	return nil
}

func (s *JSONStream[T]) fail(err error) {
	s.err = err
	s.pages.Stop()
}

// CSVStream renders a header row followed by one chunk per page.
// A single csv.Writer is reused over a single buffer.
type CSVStream[T any] struct {
	ctx   context.Context
	pages *Paginator[T]
	codec Codec[T]

	buf        bytes.Buffer
	w          *csv.Writer
	record     []string
	chunk      []byte
	headerDone bool
	finished   bool
	closed     bool
	err        error
}

func NewCSVStream[T any](ctx context.Context, pages *Paginator[T], codec Codec[T]) *CSVStream[T] {
	s := &CSVStream[T]{ctx: ctx, pages: pages, codec: codec}
	s.w = csv.NewWriter(&s.buf)
	return s
}

func (s *CSVStream[T]) Next() bool {
	s.chunk = nil
	if s.closed || s.finished || s.err != nil {
		return false
	}
	s.buf.Reset()
	if !s.headerDone {
		s.headerDone = true
		if err := s.w.Write(s.codec.Columns()); err != nil {
			s.fail(err)
			return false
		}
		return s.flush()
	}
	if !s.pages.Next(s.ctx) {
		if err := s.pages.Err(); err != nil {
			s.fail(err)
			return false
		}
		s.finished = true
		return false
	}
	for _, row := range s.pages.Page() {
		vals := s.codec.Values(row)
		s.record = s.record[:0]
		for _, v := range vals {
			s.record = append(s.record, csvCell(v))
		}
		if err := s.w.Write(s.record); err != nil {
			s.fail(err)
			return false
		}
	}
	return s.flush()
}

func (s *CSVStream[T]) flush() bool {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.fail(err)
		return false
	}
	s.chunk = s.buf.Bytes()
	return true
}

func (s *CSVStream[T]) Bytes() []byte { return s.chunk }

func (s *CSVStream[T]) Err() error { return s.err }

func (s *CSVStream[T]) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pages.Stop()
	s.chunk = nil
	return nil
}

func (s *CSVStream[T]) fail(err error) {
	s.err = err
	s.pages.Stop()
}
