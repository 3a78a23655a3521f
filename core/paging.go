// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"errors"
)

// ErrNoMorePages is returned by NextPage after the final page was consumed.
var ErrNoMorePages = errors.New("no more pages")

// Page is one page of results plus the continuation token for the next one.
// An empty Continuation marks the last page.
type Page[T any] struct {
	Items        []T
	Continuation string
}

// PageFetcher retrieves one page. continuation is empty for the first page.
type PageFetcher[T any] func(ctx context.Context, continuation string) (Page[T], error)

// Pager walks a paginated collection:
//
//	for pager.More() {
//	    page, err := pager.NextPage(ctx)
//	    ...
//	}
//
// A Pager is single-goroutine, like the iterator it replaces.
type Pager[T any] struct {
	fetch        PageFetcher[T]
	continuation string
	started      bool
	done         bool
}

// NewPager creates a Pager over the given fetcher.
func NewPager[T any](fetch PageFetcher[T]) *Pager[T] {
	return &Pager[T]{fetch: fetch}
}

// More reports whether another page is available. It is true before the first
// fetch.
func (p *Pager[T]) More() bool {
	return !p.done
}

// NextPage fetches the next page. A fetch error does not advance the pager,
// so the same page can be retried.
func (p *Pager[T]) NextPage(ctx context.Context) (Page[T], error) {
	if p.done {
		return Page[T]{}, ErrNoMorePages
	}
	page, err := p.fetch(ctx, p.continuation)
	if err != nil {
		return Page[T]{}, err
	}
	p.started = true
	p.continuation = page.Continuation
	if page.Continuation == "" {
		p.done = true
	}
	return page, nil
}

// All collects every remaining item. Intended for small collections and tests.
func (p *Pager[T]) All(ctx context.Context) ([]T, error) {
	var items []T
	for p.More() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}
