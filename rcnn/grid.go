package rcnn

import (
	"github.com/okieraised/go-anchor-detector/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// GenerateGrid returns the (B, H, W, 2) activation-map centres of every cell:
// grid[b, h, w] = (w + 0.5, h + 0.5).
func GenerateGrid(batchSize, height, width int) (*tensor.Dense, error) {
	return GenerateGridWithStride(batchSize, height, width, 1)
}

// GenerateGridWithStride is GenerateGrid with centres scaled by a pixel stride.
func GenerateGridWithStride(batchSize, height, width int, stride float32) (*tensor.Dense, error) {
	if batchSize < 1 || height < 1 || width < 1 {
		return nil, errors.Wrapf(utils.ErrShapeMismatch, "grid needs B, H, W >= 1, got %d, %d, %d", batchSize, height, width)
	}
	if stride <= 0 {
		return nil, errors.Errorf("stride must be positive, got %v", stride)
	}

	cells := height * width
	backing := make([]float32, batchSize*cells*2)
	for ih := range height {
		sh := (float32(ih) + 0.5) * stride
		for iw := range width {
			sw := (float32(iw) + 0.5) * stride
			idx := 2 * (ih*width + iw)
			backing[idx] = sw
			backing[idx+1] = sh
		}
	}
	for b := 1; b < batchSize; b++ {
		copy(backing[b*cells*2:(b+1)*cells*2], backing[:cells*2])
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(batchSize, height, width, 2),
		tensor.WithBacking(backing),
	), nil
}
