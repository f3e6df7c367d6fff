// Package checkpoint stores model variables in the safetensors layout: an
// 8-byte little-endian header length, a JSON header describing every tensor,
// then the raw little-endian payloads.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/meshtrain/internal/tensor"
)

// ErrCorruptFile is returned for files that do not parse as safetensors.
var ErrCorruptFile = errors.New("corrupt checkpoint file")

const metadataKey = "__metadata__"

// maxHeaderBytes bounds the JSON header so a bad length cannot exhaust memory.
const maxHeaderBytes = 100 << 20

// TensorInfo locates one tensor inside the data section.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File is an opened checkpoint. Close releases the mapping.
type File struct {
	Path     string
	Tensors  map[string]TensorInfo
	Metadata map[string]string

	data    []byte
	payload []byte
	mmapped bool
}

// Open maps path read-only and parses its header. If mmap is unavailable
// it falls back to reading the file into memory.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 8 || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%s: %w", path, ErrCorruptFile)
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		data = make([]byte, size)
		if _, err := f.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	cf, err := parse(path, data)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(data)
		}
		return nil, err
	}
	cf.mmapped = mmapped
	return cf, nil
}

func parse(path string, data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderBytes || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%s: header length %d: %w", path, headerLen, ErrCorruptFile)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}

	cf := &File{
		Path:    path,
		Tensors: make(map[string]TensorInfo, len(raw)),
		data:    data,
		payload: data[8+headerLen:],
	}
	if meta, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(meta, &cf.Metadata); err != nil {
			return nil, fmt.Errorf("%s: parse metadata: %w", path, err)
		}
		delete(raw, metadataKey)
	}
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(cf.payload)) {
			return nil, fmt.Errorf("tensor %s: offsets [%d, %d) outside data of %d bytes: %w", name, start, end, len(cf.payload), ErrCorruptFile)
		}
		cf.Tensors[name] = TensorInfo{DType: th.DType, Shape: th.Shape, Start: start, End: end}
	}
	return cf, nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for n := range f.Tensors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Tensor decodes a tensor into float32. F32 and BF16 payloads are supported.
func (f *File) Tensor(name string) (*tensor.Tensor, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}
	raw := f.payload[info.Start:info.End]
	n, err := tensor.CheckedNumel(info.Shape)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: shape %v: %v: %w", name, info.Shape, err, ErrCorruptFile)
	}
	width, err := dtypeWidth(info.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	if len(raw)%width != 0 || len(raw)/width != n {
		return nil, fmt.Errorf("tensor %s: %d bytes of %s for shape %v: %w", name, len(raw), info.DType, info.Shape, ErrCorruptFile)
	}

	out := &tensor.Tensor{Shape: slices.Clone(info.Shape), Data: make([]float32, n)}
	switch info.DType {
	case "F32":
		for i := range out.Data {
			out.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "BF16":
		for i := range out.Data {
			out.Data[i] = tensor.BF16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	}
	return out, nil
}

func dtypeWidth(dtype string) (int, error) {
	switch dtype {
	case "F32":
		return 4, nil
	case "BF16":
		return 2, nil
	}
	return 0, fmt.Errorf("unsupported dtype %s", dtype)
}

// Close releases the file and any mapping.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	f.payload = nil
	f.mmapped = false
	return err
}
