package localstore

import (
	"fmt"

	"github.com/golang/snappy"
)

// Stored values carry a one-byte format tag so the codec can evolve and
// so short values can skip compression entirely.
const (
	formatRaw    = 0x00
	formatSnappy = 0x01
)

// compressThreshold is the minimum value size worth compressing. Below
// this the snappy framing overhead outweighs any savings.
const compressThreshold = 128

// encodeValue returns the on-disk representation of a value.
func encodeValue(value []byte) []byte {
	if len(value) < compressThreshold {
		out := make([]byte, 0, len(value)+1)
		out = append(out, formatRaw)

		return append(out, value...)
	}

	compressed := snappy.Encode(nil, value)
	if len(compressed)+1 >= len(value)+1 {
		// Incompressible payload, store as-is.
		out := make([]byte, 0, len(value)+1)
		out = append(out, formatRaw)

		return append(out, value...)
	}

	out := make([]byte, 0, len(compressed)+1)
	out = append(out, formatSnappy)

	return append(out, compressed...)
}

// decodeValue reverses encodeValue.
func decodeValue(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("localstore: empty stored value")
	}

	payload := stored[1:]

	switch stored[0] {
	case formatRaw:
		out := make([]byte, len(payload))
		copy(out, payload)

		return out, nil
	case formatSnappy:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("localstore: decompressing value: %w", err)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("localstore: unknown value format 0x%02x", stored[0])
	}
}
