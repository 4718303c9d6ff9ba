package safety

import (
	"fmt"
	"time"

	"go.einride.tech/can"
)

// Direction tells whether a frame was received from the vehicle or proposed for
// transmission by the driver-assist stack.
type Direction uint8

const (
	DirectionRx Direction = iota
	DirectionTx
)

func (d Direction) String() string {
	if d == DirectionTx {
		return "tx"
	}
	return "rx"
}

// MessageRef identifies a message by bus and arbitration ID.
type MessageRef struct {
	Bus uint8  `yaml:"bus" json:"bus"`
	ID  uint32 `yaml:"id" json:"id"`
}

func (r MessageRef) String() string {
	return fmt.Sprintf("%d:0x%X", r.Bus, r.ID)
}

// Frame is one captured CAN frame. Timestamp is read from a monotonic clock and is
// only comparable with other timestamps from the same clock.
type Frame struct {
	Bus       uint8
	ID        uint32
	Length    uint8
	Data      can.Data
	Direction Direction
	Timestamp time.Duration
}

// NewFrame captures an einride frame received on, or destined for, bus.
func NewFrame(bus uint8, cf can.Frame, dir Direction, ts time.Duration) Frame {
	return Frame{
		Bus:       bus,
		ID:        cf.ID,
		Length:    cf.Length,
		Data:      cf.Data,
		Direction: dir,
		Timestamp: ts,
	}
}

// Payload returns the data bytes covered by Length.
func (f *Frame) Payload() []byte {
	n := int(f.Length)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

func (f Frame) Ref() MessageRef {
	return MessageRef{Bus: f.Bus, ID: f.ID}
}

// CAN converts the frame back to the transport representation.
func (f Frame) CAN() can.Frame {
	return can.Frame{
		ID:         f.ID,
		Length:     f.Length,
		Data:       f.Data,
		IsExtended: f.ID > can.MaxID,
	}
}
