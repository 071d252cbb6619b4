package processing

import (
	"github.com/chewxy/math32"
	"github.com/okieraised/go-anchor-detector/config"
	"github.com/okieraised/go-anchor-detector/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// CoordMode is the direction of a CoordTrans rescale.
type CoordMode string

const (
	PixelToActivation CoordMode = "p2a"
	ActivationToPixel CoordMode = "a2p"
)

// DecodeOffsets applies offsets (..., 4) = (tx, ty, tw, th) to anchors of the
// same shape and returns proposals as (x_tl, y_tl, x_br, y_br).
//
// In FasterRCNN mode the y centre moves by tx*height, not ty*height. Heads
// trained against that decoder rely on it; use FasterRCNNCorrected for the
// textbook parameterization.
func DecodeOffsets(anchors, offsets *tensor.Dense, mode config.TransformMode) (*tensor.Dense, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	anc, off, err := pairedBoxData(anchors, offsets, "offsets")
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(anc))
	for i := 0; i < len(anc); i += 4 {
		xa, ya, wa, ha := cornersToCenter(anc[i : i+4])
		tx, ty, tw, th := off[i], off[i+1], off[i+2], off[i+3]

		var xp, yp float32
		switch mode {
		case config.TransformYOLO:
			xp = xa + tx
			yp = ya + ty
		case config.TransformFasterRCNN:
			xp = xa + tx*wa
			yp = ya + tx*ha
		case config.TransformFasterRCNNCorrected:
			xp = xa + tx*wa
			yp = ya + ty*ha
		}
		wp := wa * math32.Exp(tw)
		hp := ha * math32.Exp(th)

		out[i] = xp - wp/2
		out[i+1] = yp - hp/2
		out[i+2] = xp + wp/2
		out[i+3] = yp + hp/2
	}

	return utils.FromFloat32s(out, anchors.Shape().Clone()...), nil
}

// EncodeOffsets is the inverse of DecodeOffsets: it returns the (tx, ty, tw, th)
// that move each anchor onto the matching target box. Targets are encoded with
// ty on the y axis for both FasterRCNN modes.
func EncodeOffsets(anchors, boxes *tensor.Dense, mode config.TransformMode) (*tensor.Dense, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	anc, box, err := pairedBoxData(anchors, boxes, "boxes")
	if err != nil {
		return nil, err
	}

	out := make([]float32, len(anc))
	for i := 0; i < len(anc); i += 4 {
		off := EncodeBox(anc[i:i+4], box[i:i+4], mode)
		copy(out[i:i+4], off[:])
	}

	return utils.FromFloat32s(out, anchors.Shape().Clone()...), nil
}

// EncodeBox encodes a single (anchor, box) pair; both are corner boxes.
func EncodeBox(anchor, box []float32, mode config.TransformMode) [4]float32 {
	xa, ya, wa, ha := cornersToCenter(anchor)
	xb, yb, wb, hb := cornersToCenter(box)

	tx := xb - xa
	ty := yb - ya
	if mode != config.TransformYOLO {
		tx /= wa
		ty /= ha
	}
	return [4]float32{tx, ty, math32.Log(wb / wa), math32.Log(hb / ha)}
}

func cornersToCenter(b []float32) (cx, cy, w, h float32) {
	return (b[0] + b[2]) / 2, (b[1] + b[3]) / 2, b[2] - b[0], b[3] - b[1]
}

func pairedBoxData(anchors, other *tensor.Dense, name string) ([]float32, []float32, error) {
	if anchors == nil || other == nil {
		return nil, nil, errors.Wrap(utils.ErrShapeMismatch, "anchors and "+name+" must not be nil")
	}
	as, os := anchors.Shape(), other.Shape()
	if len(as) == 0 || as[len(as)-1] != 4 {
		return nil, nil, errors.Wrapf(utils.ErrShapeMismatch, "anchors: last axis must be 4, got shape %v", as)
	}
	if !as.Eq(os) {
		return nil, nil, errors.Wrapf(utils.ErrShapeMismatch, "%s shape %v does not match anchors shape %v", name, os, as)
	}
	anc, err := utils.Float32Data(anchors)
	if err != nil {
		return nil, nil, errors.Wrap(err, "anchors")
	}
	oth, err := utils.Float32Data(other)
	if err != nil {
		return nil, nil, errors.Wrap(err, name)
	}
	return anc, oth, nil
}

// ClipBoxes clamps (N, 4) corner boxes to [0, width] x [0, height] and
// returns them as a new tensor.
func ClipBoxes(boxes *tensor.Dense, height, width float32) (*tensor.Dense, error) {
	if err := utils.CheckShape(boxes, "boxes", utils.Any, 4); err != nil {
		return nil, err
	}
	src, err := utils.Float32Data(boxes)
	if err != nil {
		return nil, err
	}

	limits := [4]float32{width, height, width, height}
	out := make([]float32, len(src))
	for i, x := range src {
		out[i] = math32.Max(math32.Min(x, limits[i%4]), 0)
	}

	return utils.FromFloat32s(out, boxes.Shape().Clone()...), nil
}

// CoordTrans rescales (B, N, >=4) boxes between pixel and activation-map
// coordinates. Entries equal to -1 are padding and are left untouched.
func CoordTrans(boxes *tensor.Dense, pixelW, pixelH, amapW, amapH float32, mode CoordMode) (*tensor.Dense, error) {
	if err := utils.CheckShape(boxes, "boxes", utils.Any, utils.Any, utils.Any); err != nil {
		return nil, err
	}
	shape := boxes.Shape()
	if shape[2] < 4 {
		return nil, errors.Wrapf(utils.ErrShapeMismatch, "boxes need at least 4 columns, got shape %v", shape)
	}
	if pixelW <= 0 || pixelH <= 0 || amapW <= 0 || amapH <= 0 {
		return nil, errors.Errorf("coordinate spaces must have positive sizes, got pixel %vx%v, amap %vx%v", pixelW, pixelH, amapW, amapH)
	}

	var sx, sy float32
	switch mode {
	case PixelToActivation:
		sx, sy = amapW/pixelW, amapH/pixelH
	case ActivationToPixel:
		sx, sy = pixelW/amapW, pixelH/amapH
	default:
		return nil, errors.Errorf("unsupported coordinate mode %q (want %q or %q)", string(mode), PixelToActivation, ActivationToPixel)
	}

	src, err := utils.Float32Data(boxes)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(src))
	copy(out, src)

	cols := shape[2]
	for i := 0; i < len(out); i += cols {
		for j, s := range [4]float32{sx, sy, sx, sy} {
			if out[i+j] != -1 {
				out[i+j] *= s
			}
		}
	}

	return utils.FromFloat32s(out, shape.Clone()...), nil
}
