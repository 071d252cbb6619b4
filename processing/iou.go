package processing

import (
	"github.com/chewxy/math32"
	"github.com/okieraised/go-anchor-detector/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// BoxIoU returns the intersection over union of two corner boxes.
//
// The intersection width and height are clamped at zero, so disjoint,
// inverted and zero-area boxes give an intersection of 0. A pair whose union
// is not positive (two empty boxes, or the -1 padding rows used for missing
// ground truth) is defined to have IoU 0, so the result is always in [0, 1].
func BoxIoU(a, b []float32) float32 {
	interW := math32.Max(0, math32.Min(a[2], b[2])-math32.Max(a[0], b[0]))
	interH := math32.Max(0, math32.Min(a[3], b[3])-math32.Max(a[1], b[1]))
	inter := interW * interH

	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	iou := inter / union
	if math32.IsNaN(iou) || iou < 0 {
		return 0
	}
	if iou > 1 {
		return 1
	}
	return iou
}

// IoUOneToMany returns BoxIoU(box, boxes[i]) for each row of a flat (N*4) slice.
func IoUOneToMany(box []float32, boxes []float32) []float32 {
	out := make([]float32, len(boxes)/4)
	for i := range out {
		out[i] = BoxIoU(box, boxes[4*i:4*i+4])
	}
	return out
}

// IoUMatrix computes the IoU between every proposal in proposals (B, A, H, W, 4)
// and every ground-truth row of bboxes (B, N, 5) of the same image. The result
// has shape (B, A*H*W, N); entry [b, i, n] pairs the i-th proposal of image b
// in (A, H, W) row-major order with bboxes[b, n]. The class column is ignored.
func IoUMatrix(proposals, bboxes *tensor.Dense) (*tensor.Dense, error) {
	if err := utils.CheckShape(proposals, "proposals", utils.Any, utils.Any, utils.Any, utils.Any, 4); err != nil {
		return nil, err
	}
	if err := utils.CheckShape(bboxes, "bboxes", utils.Any, utils.Any, 5); err != nil {
		return nil, err
	}
	ps, bs := proposals.Shape(), bboxes.Shape()
	if ps[0] != bs[0] {
		return nil, errors.Wrapf(utils.ErrShapeMismatch, "proposals batch %d does not match bboxes batch %d", ps[0], bs[0])
	}
	B, N := ps[0], bs[1]
	P := ps[1] * ps[2] * ps[3]

	prop, err := utils.Float32Data(proposals)
	if err != nil {
		return nil, err
	}
	gt, err := utils.Float32Data(bboxes)
	if err != nil {
		return nil, err
	}

	out := make([]float32, B*P*N)
	for b := range B {
		gtImg := gt[b*N*5 : (b+1)*N*5]
		for i := range P {
			box := prop[(b*P+i)*4 : (b*P+i)*4+4]
			row := out[(b*P+i)*N : (b*P+i+1)*N]
			for n := range N {
				row[n] = BoxIoU(box, gtImg[n*5:n*5+4])
			}
		}
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(B, P, N),
		tensor.WithBacking(out),
	), nil
}
