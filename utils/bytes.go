package utils

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// BytesToFloat32s decodes little-endian FP32 raw output contents as returned by Triton.
func BytesToFloat32s(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, errors.Errorf("raw content length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
