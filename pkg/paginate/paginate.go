// Package paginate streams large filtered result sets in bounded memory.
//
// Every page costs two queries: an identifier-only keyset query for the next
// page of ids, then a projection query for exactly those ids. Only one page of
// rows is held at a time and the identifier cursor only moves forward.
package paginate

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
)

const DefaultPageSize = 10000

// Source is the two query shapes a paginated result set needs.
// PageIDs returns at most limit ids strictly greater than after, ascending.
// Fetch returns the projected rows for ids; rows deleted since PageIDs are simply absent.
type Source[T any] interface {
	PageIDs(ctx context.Context, after int64, limit int) ([]int64, error)
	Fetch(ctx context.Context, ids []int64) ([]T, error)
}

// Transform rewrites one page of rows. It may drop rows but must not retain the slice.
type Transform[T any] func([]T) ([]T, error)

type Option[T any] func(*Paginator[T])

func WithPageSize[T any](n int) Option[T] {
	return func(p *Paginator[T]) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

func WithTransform[T any](fn Transform[T]) Option[T] {
	return func(p *Paginator[T]) {
		p.transforms = append(p.transforms, fn)
	}
}

// Paginator walks a Source page by page. It is single pass and not restartable.
type Paginator[T any] struct {
	src        Source[T]
	idOf       func(T) int64
	pageSize   int
	transforms []Transform[T]

	after   int64
	done    bool
	page    []T
	err     error
	queries atomic.Int64
}

func New[T any](src Source[T], idOf func(T) int64, opts ...Option[T]) *Paginator[T] {
	p := &Paginator[T]{src: src, idOf: idOf, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next advances to the next non-empty page. Pages that come back empty after
// fetching or transforming are skipped. It returns false at exhaustion or on error.
func (p *Paginator[T]) Next(ctx context.Context) bool {
	p.page = nil
	for !p.done && p.err == nil {
		if err := ctx.Err(); err != nil {
			p.err = err
			return false
		}
		p.queries.Add(1)
		ids, err := p.src.PageIDs(ctx, p.after, p.pageSize)
		if err != nil {
			p.err = fmt.Errorf("page ids after %d: %w", p.after, err)
			return false
		}
		if len(ids) < p.pageSize {
			p.done = true
		}
		if len(ids) == 0 {
			return false
		}
		if err := checkAscending(ids, p.after); err != nil {
			p.err = err
			return false
		}
		p.after = ids[len(ids)-1]

		if err := ctx.Err(); err != nil {
			p.err = err
			return false
		}
		p.queries.Add(1)
		rows, err := p.src.Fetch(ctx, ids)
		if err != nil {
			p.err = fmt.Errorf("fetch %d rows: %w", len(ids), err)
			return false
		}
		sort.SliceStable(rows, func(i, j int) bool { return p.idOf(rows[i]) < p.idOf(rows[j]) })
		for _, fn := range p.transforms {
			if len(rows) == 0 {
				break
			}
			if rows, err = fn(rows); err != nil {
				p.err = fmt.Errorf("transform page: %w", err)
				return false
			}
		}
		if len(rows) == 0 {
			continue
		}
		p.page = rows
		return true
	}
	return false
}

// Page is the current page; valid until the next call to Next.
func (p *Paginator[T]) Page() []T { return p.page }

func (p *Paginator[T]) Err() error { return p.err }

// Queries is the number of backing queries issued so far. It may be read
// while another goroutine drives Next.
func (p *Paginator[T]) Queries() int { return int(p.queries.Load()) }

// Stop ends pagination; later calls to Next issue no queries.
func (p *Paginator[T]) Stop() {
	p.done = true
	p.page = nil
}

func checkAscending(ids []int64, after int64) error {
	prev := after
	for _, id := range ids {
		if id <= prev {
			return fmt.Errorf("page ids not strictly ascending after %d: %d follows %d", after, id, prev)
		}
		prev = id
	}
	return nil
}
