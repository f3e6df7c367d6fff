package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/meshtrain/internal/model"
)

// Save writes vars to path as F32 tensors keyed by variable path. The file is
// written to a temporary name and renamed into place.
func Save(path string, vars []*model.Variable, metadata map[string]string) error {
	header := make(map[string]any, len(vars)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, v := range vars {
		if _, dup := header[v.Path]; dup || v.Path == metadataKey {
			return fmt.Errorf("checkpoint: duplicate or reserved tensor name %q", v.Path)
		}
		size := int64(v.Value.Numel()) * 4
		header[v.Path] = tensorHeader{
			DType:       "F32",
			Shape:       v.Value.Shape,
			DataOffsets: []int64{offset, offset + size},
		}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("checkpoint: encode header: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriter(tmp)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(headerBytes)))
	if _, err := w.Write(buf[:]); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		_ = tmp.Close()
		return err
	}
	for _, v := range vars {
		for _, x := range v.Value.Data {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(x))
			if _, err := w.Write(buf[:4]); err != nil {
				_ = tmp.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load assigns every variable from the tensor of the same path.
func Load(path string, vars []*model.Variable) error {
	f, err := Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	for _, v := range vars {
		t, err := f.Tensor(v.Path)
		if err != nil {
			return fmt.Errorf("checkpoint %s: %w", path, err)
		}
		if err := v.Assign(t); err != nil {
			return fmt.Errorf("checkpoint %s: %w", path, err)
		}
	}
	return nil
}
