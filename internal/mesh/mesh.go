// Package mesh describes the logical device mesh and how tensors are
// partitioned across it.
//
// A Mesh arranges every device of a Topology into an n-dimensional grid with
// named axes. Partition specs and sharding rules reference those names; the
// mesh is read-only once built and may be shared by any number of runs.
package mesh

import (
	"fmt"
	"slices"
	"strings"
)

// Wildcard as an axis size means "use all remaining devices".
const Wildcard = -1

// Device is one logical execution slot. ID is global; Local is the index
// within the owning process.
type Device struct {
	ID      int
	Process int
	Local   int
}

// Topology enumerates the devices of a run: Processes hosts, each owning
// LocalDevices devices. Device ids are contiguous per process.
type Topology struct {
	Processes    int
	LocalDevices int
}

// Validate reports whether the topology describes at least one device.
func (t Topology) Validate() error {
	if t.Processes <= 0 {
		return Configurationf("process count must be positive, got %d", t.Processes)
	}
	if t.LocalDevices <= 0 {
		return Configurationf("local device count must be positive, got %d", t.LocalDevices)
	}
	return nil
}

// NumDevices returns the total device count.
func (t Topology) NumDevices() int {
	return t.Processes * t.LocalDevices
}

// Devices lists every device in id order.
func (t Topology) Devices() []Device {
	out := make([]Device, 0, t.NumDevices())
	for p := 0; p < t.Processes; p++ {
		for l := 0; l < t.LocalDevices; l++ {
			out = append(out, Device{ID: p*t.LocalDevices + l, Process: p, Local: l})
		}
	}
	return out
}

// Mesh is an n-dimensional arrangement of devices with named axes. Devices
// are laid out row-major: the last axis varies fastest.
type Mesh struct {
	names      []string
	sizes      []int
	nameToAxis map[string]int
	devices    []Device
	processes  int
}

// New builds a mesh covering every device of topo exactly once. sizes may
// contain at most one Wildcard entry, which absorbs the remaining devices.
func New(topo Topology, sizes []int, names []string) (*Mesh, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if len(sizes) == 0 {
		return nil, Configurationf("mesh needs at least one axis")
	}
	if len(sizes) != len(names) {
		return nil, Configurationf("mesh has %d axis sizes but %d names", len(sizes), len(names))
	}

	nameToAxis := make(map[string]int, len(names))
	for i, name := range names {
		if strings.TrimSpace(name) == "" {
			return nil, Configurationf("mesh axis %d has an empty name", i)
		}
		if _, dup := nameToAxis[name]; dup {
			return nil, Configurationf("mesh axis %q declared more than once", name)
		}
		nameToAxis[name] = i
	}

	total := topo.NumDevices()
	resolved := slices.Clone(sizes)
	wildcard := -1
	known := 1
	for i, s := range resolved {
		switch {
		case s == Wildcard:
			if wildcard >= 0 {
				return nil, Configurationf("only one mesh axis may use %d, got axes %q and %q", Wildcard, names[wildcard], names[i])
			}
			wildcard = i
		case s <= 0:
			return nil, Configurationf("mesh axis %q has invalid size %d", names[i], s)
		default:
			known *= s
		}
	}
	if total%known != 0 {
		return nil, Configurationf("axis sizes %v do not divide %d devices", sizes, total)
	}
	if wildcard >= 0 {
		resolved[wildcard] = total / known
	} else if known != total {
		return nil, Configurationf("axis sizes %v cover %d devices, have %d", sizes, known, total)
	}

	return &Mesh{
		names:      slices.Clone(names),
		sizes:      resolved,
		nameToAxis: nameToAxis,
		devices:    topo.Devices(),
		processes:  topo.Processes,
	}, nil
}

// AxisNames returns the axis names in order.
func (m *Mesh) AxisNames() []string { return slices.Clone(m.names) }

// Shape returns the resolved axis sizes in order.
func (m *Mesh) Shape() []int { return slices.Clone(m.sizes) }

// NumDevices returns the number of devices in the mesh.
func (m *Mesh) NumDevices() int { return len(m.devices) }

// Processes returns the number of host processes owning devices.
func (m *Mesh) Processes() int { return m.processes }

// Devices returns the devices in mesh order.
func (m *Mesh) Devices() []Device { return slices.Clone(m.devices) }

// HasAxis reports whether name is a mesh axis.
func (m *Mesh) HasAxis(name string) bool {
	_, ok := m.nameToAxis[name]
	return ok
}

// AxisSize returns the size of the named axis.
func (m *Mesh) AxisSize(name string) (int, bool) {
	i, ok := m.nameToAxis[name]
	if !ok {
		return 0, false
	}
	return m.sizes[i], true
}

// Coords returns the mesh coordinates of a device.
func (m *Mesh) Coords(deviceID int) []int {
	if deviceID < 0 || deviceID >= len(m.devices) {
		panic(fmt.Sprintf("device %d out of range", deviceID))
	}
	coords := make([]int, len(m.sizes))
	rem := deviceID
	for i := len(m.sizes) - 1; i >= 0; i-- {
		coords[i] = rem % m.sizes[i]
		rem /= m.sizes[i]
	}
	return coords
}

// Groups returns the device ids that communicate along the named axis: each
// group holds the devices that differ only in that axis coordinate, ordered by
// it.
func (m *Mesh) Groups(axis string) ([][]int, error) {
	ax, ok := m.nameToAxis[axis]
	if !ok {
		return nil, Configurationf("unknown mesh axis %q", axis)
	}
	stride := 1
	for i := ax + 1; i < len(m.sizes); i++ {
		stride *= m.sizes[i]
	}
	var groups [][]int
	seen := make([]bool, len(m.devices))
	for id := range m.devices {
		if seen[id] {
			continue
		}
		base := id - m.Coords(id)[ax]*stride
		g := make([]int, m.sizes[ax])
		for k := range g {
			g[k] = base + k*stride
			seen[g[k]] = true
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// LocalCoords returns, in ascending order, the coordinates along axis held by
// devices owned by process.
func (m *Mesh) LocalCoords(process int, axis string) ([]int, error) {
	ax, ok := m.nameToAxis[axis]
	if !ok {
		return nil, Configurationf("unknown mesh axis %q", axis)
	}
	var coords []int
	for _, d := range m.devices {
		if d.Process != process {
			continue
		}
		c := m.Coords(d.ID)[ax]
		if !slices.Contains(coords, c) {
			coords = append(coords, c)
		}
	}
	slices.Sort(coords)
	return coords, nil
}

// String renders the mesh as name=size pairs.
func (m *Mesh) String() string {
	parts := make([]string, len(m.names))
	for i, n := range m.names {
		parts[i] = fmt.Sprintf("%s=%d", n, m.sizes[i])
	}
	return "Mesh(" + strings.Join(parts, ", ") + ")"
}
