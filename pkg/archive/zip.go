// Package archive packages exported files into a streamed ZIP archive.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dataexport/pkg/records"
)

const (
	DefaultWorkers = 3
	// RegistryMember is the trailing archive member mapping every exported path to its hash.
	RegistryMember = "registry"
)

// Fetcher loads the stored content of one stub.
type Fetcher interface {
	Fetch(ctx context.Context, s records.Stub) ([]byte, error)
}

// Pages is a forward-only source of stub pages, usually a *paginate.Paginator.
type Pages interface {
	Next(ctx context.Context) bool
	Page() []records.Stub
	Err() error
}

type Options struct {
	Workers int
	// Registry appends the registry member after the last file.
	Registry bool
}

type result struct {
	stub    records.Stub
	content []byte
	err     error
}

// Stream is a ZIP archive produced one member at a time. Content is fetched
// by a small worker pool and written in completion order, uncompressed.
// Members whose archive name was already written are skipped.
type Stream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	results chan result

	buf      bytes.Buffer
	zw       *zip.Writer
	registry bool
	seen     map[string]struct{}
	files    map[string]string

	chunk      []byte
	finished   bool
	closed     bool
	err        error
	written    int
	duplicates int
}

func NewStream(ctx context.Context, pages Pages, fetcher Fetcher, opts Options) *Stream {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ctx:      ctx,
		cancel:   cancel,
		results:  make(chan result, workers),
		registry: opts.Registry,
		seen:     map[string]struct{}{},
		files:    map[string]string{},
	}
	s.zw = zip.NewWriter(&s.buf)

	jobs := make(chan records.Stub)
	var wg sync.WaitGroup
	wg.Add(1 + workers)
	go func() {
		defer wg.Done()
		s.produce(pages, jobs)
	}()
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			s.work(fetcher, jobs)
		}()
	}
	go func() {
		wg.Wait()
		close(s.results)
	}()
	return s
}

func (s *Stream) produce(pages Pages, jobs chan<- records.Stub) {
	defer close(jobs)
	for pages.Next(s.ctx) {
		for _, stub := range pages.Page() {
			select {
			case jobs <- stub:
			case <-s.ctx.Done():
				return
			}
		}
	}
	if err := pages.Err(); err != nil && s.ctx.Err() == nil {
		select {
		case s.results <- result{err: err}:
		case <-s.ctx.Done():
		}
	}
}

func (s *Stream) work(fetcher Fetcher, jobs <-chan records.Stub) {
	for stub := range jobs {
		content, err := fetcher.Fetch(s.ctx, stub)
		if err != nil {
			err = fmt.Errorf("fetch %s: %w", stub.ContentPath, err)
		}
		select {
		case s.results <- result{stub: stub, content: content, err: err}:
		case <-s.ctx.Done():
			return
		}
	}
}

// Next writes the next archive member and exposes its bytes. After the last
// file it produces the registry member (if enabled) and the central directory.
func (s *Stream) Next() bool {
	s.chunk = nil
	if s.closed || s.finished || s.err != nil {
		return false
	}
	s.buf.Reset()
	for r := range s.results {
		if r.err != nil {
			s.fail(r.err)
			return false
		}
		if s.registry {
			s.files[r.stub.ContentPath] = r.stub.ContentHash
		}
		name := FileName(r.stub)
		if _, dup := s.seen[name]; dup {
			s.duplicates++
			continue
		}
		s.seen[name] = struct{}{}
		if err := s.add(name, r.stub.TimeBin, r.content); err != nil {
			s.fail(err)
			return false
		}
		s.written++
		s.chunk = s.buf.Bytes()
		return true
	}
	if err := s.ctx.Err(); err != nil {
		s.fail(err)
		return false
	}
	return s.finish()
}

func (s *Stream) finish() bool {
	s.finished = true
	if s.registry {
		raw, err := json.Marshal(s.files)
		if err != nil {
			s.fail(err)
			return false
		}
		if err := s.add(RegistryMember, time.Now().UTC(), raw); err != nil {
			s.fail(err)
			return false
		}
	}
	if err := s.zw.Close(); err != nil {
		s.fail(err)
		return false
	}
	s.chunk = s.buf.Bytes()
	return true
}

func (s *Stream) add(name string, modified time.Time, content []byte) error {
	w, err := s.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: modified})
	if err != nil {
		return fmt.Errorf("archive member %s: %w", name, err)
	}
	if _, err := w.Write(content); err != nil {
		return fmt.Errorf("archive member %s: %w", name, err)
	}
	return s.zw.Flush()
}

func (s *Stream) Bytes() []byte { return s.chunk }

func (s *Stream) Err() error { return s.err }

// Close stops fetching and waits for the worker pool to exit.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	for range s.results {
	}
	s.chunk = nil
	return nil
}

// Written is the number of file members written so far.
func (s *Stream) Written() int { return s.written }

// Duplicates is the number of stubs skipped because their archive name was taken.
func (s *Stream) Duplicates() int { return s.duplicates }

func (s *Stream) fail(err error) {
	s.err = err
	s.cancel()
}
