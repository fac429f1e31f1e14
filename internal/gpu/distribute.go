package gpu

import (
	"fmt"

	qerrors "github.com/23skdu/quiver/internal/errors"
)

// Chunk is the half-open byte range [Start, End) of a source buffer
// assigned to one device.
type Chunk struct {
	Device int
	Start  int
	End    int
	Data   []byte
}

// Len returns the chunk size in bytes.
func (c Chunk) Len() int { return c.End - c.Start }

// DistributeData splits data into contiguous per-device chunks. Each
// device receives len(data)/len(devices) bytes and the last device also
// takes the remainder.
func DistributeData(data []byte, devices []int) ([]Chunk, error) {
	return DistributeAligned(data, devices, 1)
}

// DistributeAligned splits data into contiguous chunks whose boundaries fall
// on multiples of stride, so no record is split across devices. Each device
// receives units/len(devices) records and the last device also takes the
// remainder. Devices that would receive nothing get no chunk. The chunks
// cover [0, len(data)) exactly, in device order.
func DistributeAligned(data []byte, devices []int, stride int) ([]Chunk, error) {
	const op = "distribute_data"
	switch {
	case len(data) == 0:
		return nil, qerrors.InvalidInput(op, "data is empty")
	case len(devices) == 0:
		return nil, qerrors.InvalidInput(op, "no devices")
	case stride <= 0:
		return nil, qerrors.InvalidInput(op, fmt.Sprintf("stride must be positive, got %d", stride))
	case len(data)%stride != 0:
		return nil, qerrors.InvalidInput(op, fmt.Sprintf("%d bytes is not a multiple of stride %d", len(data), stride))
	}
	seen := make(map[int]struct{}, len(devices))
	for _, d := range devices {
		if d < 0 {
			return nil, qerrors.InvalidInput(op, fmt.Sprintf("negative device id %d", d))
		}
		if _, dup := seen[d]; dup {
			return nil, qerrors.InvalidInput(op, fmt.Sprintf("device %d listed twice", d))
		}
		seen[d] = struct{}{}
	}

	units := len(data) / stride
	per := units / len(devices)
	chunks := make([]Chunk, 0, len(devices))
	for i, dev := range devices {
		startUnit := i * per
		endUnit := startUnit + per
		if i == len(devices)-1 {
			endUnit = units
		}
		if endUnit == startUnit {
			continue
		}
		start, end := startUnit*stride, endUnit*stride
		if start < 0 || end > len(data) || start >= end {
			return nil, qerrors.InvalidInput(op, fmt.Sprintf("chunk [%d,%d) out of bounds for %d bytes", start, end, len(data))).
				WithContext("device", dev)
		}
		chunks = append(chunks, Chunk{Device: dev, Start: start, End: end, Data: data[start:end:end]})
	}
	return chunks, nil
}
