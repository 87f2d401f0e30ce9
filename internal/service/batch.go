package service

import (
	"context"

	"rome-sync/internal/repository"
)

// DefaultBatchSize 每个事务写入的记录数
const DefaultBatchSize = 1000

// batcher 在内存中累积记录，满 size 条时在一个事务中写入；Flush 写入剩余部分
type batcher[T any] struct {
	size       int
	items      []T
	write      func(ctx context.Context, batch []T) (repository.BatchResult, error)
	onReject func(err error)

	stored  int
	flushes int
}

func newBatcher[T any](size int, write func(ctx context.Context, batch []T) (repository.BatchResult, error), onReject func(err error)) *batcher[T] {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &batcher[T]{
		size:       size,
		items:      make([]T, 0, size),
		write:      write,
		onReject: onReject,
	}
}

func (b *batcher[T]) Add(ctx context.Context, item T) error {
	b.items = append(b.items, item)
	if len(b.items) >= b.size {
		return b.Flush(ctx)
	}
	return nil
}

func (b *batcher[T]) Flush(ctx context.Context) error {
	if len(b.items) == 0 {
		return nil
	}
	batch := b.items
	b.items = make([]T, 0, b.size)

	res, err := b.write(ctx, batch)
	if err != nil {
		return err
	}
	b.flushes++
	b.stored += res.Written
	if b.onReject != nil {
		for _, c := range res.Rejected {
			b.onReject(c)
		}
	}
	return nil
}
