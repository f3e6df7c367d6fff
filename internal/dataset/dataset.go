// Package dataset supplies raw training batches. A Dataset can be iterated
// any number of times; each Iterator starts from the beginning.
package dataset

import "context"

// Batch is a list of raw rows keyed by field name.
type Batch []map[string]any

// Dataset produces fresh iterators.
type Dataset interface {
	Iterator(ctx context.Context) (Iterator, error)
}

// Iterator yields batches until it reports false.
type Iterator interface {
	Next(ctx context.Context) (Batch, bool, error)
	Close() error
}

// Memory is an in-memory dataset split into batches of BatchSize rows.
type Memory struct {
	Rows      []map[string]any
	BatchSize int
	// DropRemainder skips a final batch smaller than BatchSize.
	DropRemainder bool
}

// Texts builds a Memory dataset with one row per text under field.
func Texts(field string, batchSize int, texts ...string) *Memory {
	rows := make([]map[string]any, len(texts))
	for i, t := range texts {
		rows[i] = map[string]any{field: t}
	}
	return &Memory{Rows: rows, BatchSize: batchSize}
}

func (m *Memory) Iterator(context.Context) (Iterator, error) {
	return &memoryIter{m: m}, nil
}

type memoryIter struct {
	m   *Memory
	pos int
}

func (it *memoryIter) Next(ctx context.Context) (Batch, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	size := max(it.m.BatchSize, 1)
	remaining := len(it.m.Rows) - it.pos
	if remaining <= 0 || (it.m.DropRemainder && remaining < size) {
		return nil, false, nil
	}
	end := min(it.pos+size, len(it.m.Rows))
	b := Batch(it.m.Rows[it.pos:end])
	it.pos = end
	return b, true, nil
}

func (it *memoryIter) Close() error { return nil }
