package dataset

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

const maxLineBytes = 16 << 20

// JSONL reads one JSON object per line from Path. Blank lines are skipped.
type JSONL struct {
	Path          string
	BatchSize     int
	DropRemainder bool
}

func (d *JSONL) Iterator(ctx context.Context) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &jsonlIter{d: d, f: f, sc: sc}, nil
}

type jsonlIter struct {
	d    *JSONL
	f    *os.File
	sc   *bufio.Scanner
	line int
}

func (it *jsonlIter) Next(ctx context.Context) (Batch, bool, error) {
	size := max(it.d.BatchSize, 1)
	batch := make(Batch, 0, size)
	for len(batch) < size {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if !it.sc.Scan() {
			if err := it.sc.Err(); err != nil {
				return nil, false, fmt.Errorf("%s: read line %d: %w", it.d.Path, it.line+1, err)
			}
			break
		}
		it.line++
		raw := bytes.TrimSpace(it.sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, false, fmt.Errorf("%s:%d: %w", it.d.Path, it.line, err)
		}
		batch = append(batch, row)
	}
	if len(batch) == 0 || (it.d.DropRemainder && len(batch) < size) {
		return nil, false, nil
	}
	return batch, true, nil
}

func (it *jsonlIter) Close() error { return it.f.Close() }
