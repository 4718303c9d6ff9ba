package utils

import (
	"fmt"
	"math"

	"go.einride.tech/can"
)

func (m *CANMap) EncodeFrame(frameName string, values map[string]float64) ([]byte, uint32, error) {
	fd, err := m.FrameByName(frameName)
	if err != nil {
		return nil, 0, err
	}
	if fd.DLC <= 0 || fd.DLC > 8 {
		return nil, 0, fmt.Errorf("frame %s has invalid DLC %d", fd.Name, fd.DLC)
	}

	var payload uint64
	for _, s := range fd.Signals {
		v, ok := values[s.Name]
		if !ok {
			v = s.Default
		}
		payload = setBits(payload, s.StartBit, s.BitLength, encodeRaw(s, v))
	}

	out := make([]byte, fd.DLC)
	for i := 0; i < fd.DLC; i++ {
		out[i] = byte((payload >> (8 * i)) & 0xFF)
	}
	return out, fd.ID, nil
}

// EncodeEinrideFrame produces an einride can.Frame ready to transmit.
func (m *CANMap) EncodeEinrideFrame(frameName string, values map[string]float64) (can.Frame, error) {
	payload, id, err := m.EncodeFrame(frameName, values)
	if err != nil {
		return can.Frame{}, err
	}

	var f can.Frame
	f.ID = id
	f.Length = uint8(len(payload))
	copy(f.Data[:], payload)
	return f, nil
}

func (m *CANMap) DecodeFrame(frameID uint32, data []byte) (map[string]float64, error) {
	fd, err := m.FrameByID(frameID)
	if err != nil {
		return nil, err
	}
	if len(data) < fd.DLC {
		return nil, fmt.Errorf("frame 0x%X expects DLC %d, got %d", frameID, fd.DLC, len(data))
	}

	payload := packPayload(data, fd.DLC)
	out := make(map[string]float64, len(fd.Signals))
	for _, s := range fd.Signals {
		out[s.Name] = decodeRaw(&s, payload)
	}
	return out, nil
}

// DecodeSignal extracts one physical value from a payload without allocating. The
// payload must hold at least the frame's DLC bytes; shorter payloads read as zero.
func DecodeSignal(s *SignalDef, data []byte) float64 {
	return decodeRaw(s, packPayload(data, len(data)))
}

func packPayload(data []byte, n int) uint64 {
	var payload uint64
	for i := 0; i < n && i < 8 && i < len(data); i++ {
		payload |= uint64(data[i]) << (8 * i)
	}
	return payload
}

func decodeRaw(s *SignalDef, payload uint64) float64 {
	u := getBits(payload, s.StartBit, s.BitLength)
	raw := unsignedToRawInt64(u, s.BitLength, s.Signed)
	return float64(raw)*s.Factor + s.Offset
}

func encodeRaw(s SignalDef, v float64) uint64 {
	v = clamp(v, s.Min, s.Max)
	raw := int64(math.Round((v - s.Offset) / s.Factor))
	raw = clampRaw(raw, s.BitLength, s.Signed)
	return rawToUnsigned(raw, s.BitLength)
}
