// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPagerWalksAllPages(t *testing.T) {
	pages := map[string]Page[int]{
		"":   {Items: []int{1, 2}, Continuation: "p2"},
		"p2": {Items: []int{3}, Continuation: "p3"},
		"p3": {Items: []int{4, 5}},
	}
	pager := NewPager(func(ctx context.Context, continuation string) (Page[int], error) {
		return pages[continuation], nil
	})

	var items []int
	pageCount := 0
	for pager.More() {
		page, err := pager.NextPage(context.Background())
		require.NoError(t, err)
		pageCount++
		items = append(items, page.Items...)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, items)
	assert.Equal(t, 3, pageCount)

	_, err := pager.NextPage(context.Background())
	assert.ErrorIs(t, err, ErrNoMorePages)
}

func TestPagerSinglePage(t *testing.T) {
	pager := NewPager(func(ctx context.Context, continuation string) (Page[string], error) {
		return Page[string]{Items: []string{"only"}}, nil
	})

	items, err := pager.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, items)
	assert.False(t, pager.More())
}

func TestPagerErrorDoesNotAdvance(t *testing.T) {
	calls := 0
	pager := NewPager(func(ctx context.Context, continuation string) (Page[int], error) {
		calls++
		if calls == 1 {
			return Page[int]{}, errors.New("transient")
		}
		// The retried fetch must see the same (empty) continuation.
		assert.Empty(t, continuation)
		return Page[int]{Items: []int{7}}, nil
	})

	_, err := pager.NextPage(context.Background())
	require.Error(t, err)
	assert.True(t, pager.More(), "failed fetch must not exhaust the pager")

	page, err := pager.NextPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{7}, page.Items)
}
