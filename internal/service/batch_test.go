package service

import (
	"context"
	"errors"
	"testing"

	"rome-sync/internal/domain"
	"rome-sync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcher_FlushesFullBatchesAndRemainder(t *testing.T) {
	var sizes []int
	b := newBatcher(3, func(_ context.Context, batch []int) (repository.BatchResult, error) {
		sizes = append(sizes, len(batch))
		return repository.BatchResult{Written: len(batch)}, nil
	}, nil)

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, b.Add(ctx, i))
	}
	assert.Equal(t, []int{3, 3}, sizes)

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, 7, b.stored)
	assert.Equal(t, 3, b.flushes)

	// 空缓冲不再写入
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 3, b.flushes)
}

func TestBatcher_ReportsRejectedRows(t *testing.T) {
	var conflicts []error
	b := newBatcher(2, func(_ context.Context, batch []string) (repository.BatchResult, error) {
		return repository.BatchResult{Written: 1, Rejected: []error{domain.ErrConflict}}, nil
	}, func(err error) { conflicts = append(conflicts, err) })

	ctx := context.Background()
	require.NoError(t, b.Add(ctx, "a"))
	require.NoError(t, b.Add(ctx, "b"))

	assert.Equal(t, 1, b.stored)
	require.Len(t, conflicts, 1)
	assert.True(t, errors.Is(conflicts[0], domain.ErrConflict))
}

func TestBatcher_WriteErrorPropagates(t *testing.T) {
	boom := errors.New("tx aborted")
	b := newBatcher(1, func(context.Context, []int) (repository.BatchResult, error) {
		return repository.BatchResult{}, boom
	}, nil)

	err := b.Add(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, b.stored)
}

func TestBatcher_DefaultSize(t *testing.T) {
	b := newBatcher(0, func(context.Context, []int) (repository.BatchResult, error) {
		return repository.BatchResult{}, nil
	}, nil)
	assert.Equal(t, DefaultBatchSize, b.size)
}
