package utils

import "sort"

type SignalDef struct {
	Name       string
	StartBit   int
	BitLength  int
	Signed     bool
	Factor     float64
	Offset     float64
	Min        float64
	Max        float64
	Default    float64
	Unit       string
	Comment    string
	Endianness string // only "little" supported
}

type FrameDef struct {
	ID        uint32
	Name      string
	DLC       int
	Direction string
	CycleMS   int
	Signals   []SignalDef
}

// Signal returns the named signal of the frame. The returned pointer aliases the
// frame definition and must not be modified.
func (fd *FrameDef) Signal(name string) (*SignalDef, bool) {
	for i := range fd.Signals {
		if fd.Signals[i].Name == name {
			return &fd.Signals[i], true
		}
	}
	return nil, false
}

type CANMap struct {
	ByID   map[uint32]*FrameDef
	ByName map[string]*FrameDef
}

func (m *CANMap) FrameNames() []string {
	out := make([]string, 0, len(m.ByName))
	for k := range m.ByName {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FramesByDirection lists the frames declared with the given direction ("rx" or "tx"),
// ordered by arbitration ID.
func (m *CANMap) FramesByDirection(direction string) []*FrameDef {
	var out []*FrameDef
	for _, fd := range m.ByID {
		if fd.Direction == direction {
			out = append(out, fd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
