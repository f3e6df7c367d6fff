package collective

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestLocalAllGather(t *testing.T) {
	t.Parallel()
	in := []int32{4, 5}
	got, err := Local{}.AllGather(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !slices.Equal(got[0], in) {
		t.Fatalf("got %v", got)
	}
	in[0] = 9
	if got[0][0] != 4 {
		t.Fatal("result should not alias the input")
	}
}

func TestHubGathersEveryRound(t *testing.T) {
	t.Parallel()
	hub, err := NewHub(3)
	if err != nil {
		t.Fatal(err)
	}
	const rounds = 5
	results := make([][][][]int32, hub.Size())
	var wg sync.WaitGroup
	for p := 0; p < hub.Size(); p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			c := hub.Member(p)
			for r := 0; r < rounds; r++ {
				got, err := c.AllGather(context.Background(), []int32{int32(p), int32(r)})
				if err != nil {
					t.Errorf("process %d round %d: %v", p, r, err)
					return
				}
				results[p] = append(results[p], got)
			}
		}(p)
	}
	wg.Wait()

	for p := range results {
		if len(results[p]) != rounds {
			t.Fatalf("process %d completed %d rounds", p, len(results[p]))
		}
		for r, got := range results[p] {
			for q := range got {
				if !slices.Equal(got[q], []int32{int32(q), int32(r)}) {
					t.Fatalf("process %d round %d slot %d = %v", p, r, q, got[q])
				}
			}
		}
	}
}

func TestHubHonoursCancellation(t *testing.T) {
	t.Parallel()
	hub, _ := NewHub(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := hub.Member(0).AllGather(ctx, []int32{1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestNewHubRejectsEmpty(t *testing.T) {
	t.Parallel()
	if _, err := NewHub(0); err == nil {
		t.Fatal("expected error")
	}
}
