package state

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint hashes the paths, shapes and values of every leaf along with the
// iteration counter. Equal states produce equal fingerprints regardless of how
// they are sharded.
func Fingerprint(st *State) (uint64, error) {
	var sum uint64
	err := st.View(func(g *Groups) error {
		h := xxhash.New()
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(g.Iterations))
		_, _ = h.Write(buf[:])
		for _, group := range []Group{g.Trainable, g.NonTrainable, g.Optimizer} {
			for _, l := range group {
				hashLeaf(h, l, buf[:])
			}
		}
		sum = h.Sum64()
		return nil
	})
	return sum, err
}

// FingerprintValues hashes full tensors in order, matching Fingerprint's leaf
// encoding. It lets callers compare live model weights with a state.
func FingerprintValues(paths []string, shapes [][]int, values [][]float32) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for i := range paths {
		writeHeader(h, paths[i], shapes[i], buf[:])
		writeFloats(h, values[i], buf[:])
	}
	return h.Sum64()
}

func hashLeaf(h *xxhash.Digest, l *Leaf, buf []byte) {
	writeHeader(h, l.Path, l.Shape, buf)
	full := l.Gather()
	writeFloats(h, full.Data, buf)
}

func writeHeader(h *xxhash.Digest, path string, shape []int, buf []byte) {
	_, _ = h.WriteString(path)
	for _, d := range shape {
		binary.LittleEndian.PutUint64(buf, uint64(d))
		_, _ = h.Write(buf)
	}
}

func writeFloats(h *xxhash.Digest, data []float32, buf []byte) {
	for _, v := range data {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
		_, _ = h.Write(buf[:4])
	}
}
