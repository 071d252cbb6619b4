package processing

import (
	"github.com/okieraised/go-anchor-detector/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// AnchorCatalog builds the (A, 2) tensor of anchor (width, height) pairs.
// The list is copied so later changes to it do not reach the tensor.
func AnchorCatalog(anchorList [][2]float32) (*tensor.Dense, error) {
	if len(anchorList) == 0 {
		return nil, errors.Wrap(utils.ErrShapeMismatch, "anchor catalog is empty")
	}
	backing := make([]float32, 0, 2*len(anchorList))
	for _, wh := range anchorList {
		backing = append(backing, wh[0], wh[1])
	}
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(anchorList), 2),
		tensor.WithBacking(backing),
	), nil
}

// GenerateAnchors centres every anchor shape of anc (A, 2) on every cell of
// grid (B, H, W, 2) and returns (B, A, H, W, 4) boxes as (x_tl, y_tl, x_br, y_br).
// Shapes with a non-positive width or height produce inverted or empty boxes.
func GenerateAnchors(anc, grid *tensor.Dense) (*tensor.Dense, error) {
	if err := utils.CheckShape(anc, "anchor catalog", utils.Any, 2); err != nil {
		return nil, err
	}
	if err := utils.CheckShape(grid, "grid", utils.Any, utils.Any, utils.Any, 2); err != nil {
		return nil, err
	}
	gs := grid.Shape()
	B, H, W := gs[0], gs[1], gs[2]
	A := anc.Shape()[0]
	if B < 1 || H < 1 || W < 1 || A < 1 {
		return nil, errors.Wrapf(utils.ErrShapeMismatch, "anchors need B, A, H, W >= 1, got %d, %d, %d, %d", B, A, H, W)
	}

	ancData, err := utils.Float32Data(anc)
	if err != nil {
		return nil, err
	}
	gridData, err := utils.Float32Data(grid)
	if err != nil {
		return nil, err
	}

	cells := H * W
	out := make([]float32, B*A*cells*4)
	for b := range B {
		for a := range A {
			halfW := ancData[2*a] / 2
			halfH := ancData[2*a+1] / 2
			dst := out[(b*A+a)*cells*4:]
			src := gridData[b*cells*2:]
			for c := range cells {
				x, y := src[2*c], src[2*c+1]
				dst[4*c] = x - halfW
				dst[4*c+1] = y - halfH
				dst[4*c+2] = x + halfW
				dst[4*c+3] = y + halfH
			}
		}
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(B, A, H, W, 4),
		tensor.WithBacking(out),
	), nil
}
