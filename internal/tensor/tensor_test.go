package tensor

import (
	"math"
	"slices"
	"testing"
)

func TestSplitJoinAlongEachDim(t *testing.T) {
	t.Parallel()
	shape := []int{4, 6, 2}
	src := New(shape...)
	for i := range src.Data {
		src.Data[i] = float32(i)
	}
	for _, tc := range []struct{ dim, parts int }{{0, 2}, {0, 4}, {1, 3}, {1, 6}, {2, 2}} {
		parts, err := Split(shape, src.Data, tc.dim, tc.parts)
		if err != nil {
			t.Fatalf("split dim=%d parts=%d: %v", tc.dim, tc.parts, err)
		}
		want := Numel(ShardShape(shape, tc.dim, tc.parts))
		for i, p := range parts {
			if len(p) != want {
				t.Fatalf("part %d len=%d want %d", i, len(p), want)
			}
		}
		dst := make([]float32, len(src.Data))
		JoinInto(dst, shape, tc.dim, parts)
		if !slices.Equal(dst, src.Data) {
			t.Fatalf("join(split) mismatch for dim=%d parts=%d", tc.dim, tc.parts)
		}
	}
}

func TestSplitFirstRowsAlongDimZero(t *testing.T) {
	t.Parallel()
	parts, err := Split([]int{4, 2}, []float32{0, 1, 2, 3, 4, 5, 6, 7}, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(parts[0], []float32{0, 1, 2, 3}) || !slices.Equal(parts[1], []float32{4, 5, 6, 7}) {
		t.Fatalf("unexpected parts %v", parts)
	}
}

func TestSplitRejectsIndivisible(t *testing.T) {
	t.Parallel()
	if _, err := Split([]int{5, 2}, make([]float32, 10), 0, 2); err == nil {
		t.Fatal("expected error for indivisible split")
	}
}

func TestRollRight(t *testing.T) {
	t.Parallel()
	m, _ := IntsFromRows([][]int32{{1, 1, 1, 0, 0}, {1, 2, 3, 4, 5}})
	m.RollRight(1)
	if !slices.Equal(m.Row(0), []int32{0, 1, 1, 1, 0}) {
		t.Fatalf("row 0 = %v", m.Row(0))
	}
	if !slices.Equal(m.Row(1), []int32{5, 1, 2, 3, 4}) {
		t.Fatalf("row 1 = %v", m.Row(1))
	}
}

func TestPadRowsAndSlice(t *testing.T) {
	t.Parallel()
	m, _ := IntsFromRows([][]int32{{1, 2, 3}})
	p := m.PadRows(2, 0)
	if p.Rows != 3 || p.CountEqual(2, 0) != 3 {
		t.Fatalf("unexpected padded matrix %+v", p)
	}
	s := p.Slice(1, 1, 3)
	if !slices.Equal(s.Data, []int32{2, 3}) {
		t.Fatalf("slice = %v", s.Data)
	}
}

func TestLogSumExpMatchesNaive(t *testing.T) {
	t.Parallel()
	x := []float32{0.5, -1, 2, 0}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v))
	}
	if got, want := LogSumExp(x), math.Log(sum); math.Abs(got-want) > 1e-6 {
		t.Fatalf("LogSumExp = %f, want %f", got, want)
	}
}

func TestArgmaxTiesPickLowest(t *testing.T) {
	t.Parallel()
	if got := Argmax([]float32{1, 3, 3, 2}); got != 1 {
		t.Fatalf("Argmax = %d, want 1", got)
	}
}

func TestFillRandDeterministic(t *testing.T) {
	t.Parallel()
	a, b := New(3, 4), New(3, 4)
	FillRand(a, 7, 0.02)
	FillRand(b, 7, 0.02)
	if !slices.Equal(a.Data, b.Data) {
		t.Fatal("FillRand not deterministic")
	}
	for _, v := range a.Data {
		if v < -0.0101 || v > 0.0101 {
			t.Fatalf("value %f out of range", v)
		}
	}
}

func TestFromDataSizeMismatch(t *testing.T) {
	t.Parallel()
	if _, err := FromData([]int{2, 2}, []float32{1}); err == nil {
		t.Fatal("expected size mismatch error")
	}
}
