package modules

import (
	"github.com/chewxy/math32"
	"github.com/okieraised/go-anchor-detector/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Prediction is a decoded prediction-head output.
type Prediction struct {
	// ConfScores (B, A, H, W) holds sigmoid objectness.
	ConfScores *tensor.Dense
	// Offsets (B, A, H, W, 4) holds (tx, ty, tw, th); tx and ty are already
	// squashed into (-0.5, 0.5).
	Offsets *tensor.Dense
	// ClassScores (B, C, H, W) holds raw class logits, shared by every anchor of a cell.
	ClassScores *tensor.Dense

	NumAnchors int
	NumClasses int
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// DecodePrediction splits a raw head output (B, 5A+C, H, W). Channels
// 5a..5a+4 belong to anchor a as (conf logit, tx, ty, tw, th); the last C
// channels are the class logits of the cell.
func DecodePrediction(raw *tensor.Dense, numAnchors, numClasses int) (*Prediction, error) {
	if numAnchors < 1 || numClasses < 1 {
		return nil, errors.Errorf("need at least one anchor and one class, got %d anchors, %d classes", numAnchors, numClasses)
	}
	channels := 5*numAnchors + numClasses
	if err := utils.CheckShape(raw, "prediction", utils.Any, channels, utils.Any, utils.Any); err != nil {
		return nil, err
	}
	shape := raw.Shape()
	B, H, W := shape[0], shape[2], shape[3]
	A, C := numAnchors, numClasses
	plane := H * W

	data, err := utils.Float32Data(raw)
	if err != nil {
		return nil, err
	}

	conf := make([]float32, B*A*plane)
	offsets := make([]float32, B*A*plane*4)
	classes := make([]float32, B*C*plane)

	for b := range B {
		img := data[b*channels*plane : (b+1)*channels*plane]
		for a := range A {
			ch := img[5*a*plane : (5*a+5)*plane]
			for c := range plane {
				i := (b*A+a)*plane + c
				conf[i] = sigmoid(ch[c])
				offsets[4*i] = sigmoid(ch[plane+c]) - 0.5
				offsets[4*i+1] = sigmoid(ch[2*plane+c]) - 0.5
				offsets[4*i+2] = ch[3*plane+c]
				offsets[4*i+3] = ch[4*plane+c]
			}
		}
		copy(classes[b*C*plane:(b+1)*C*plane], img[5*A*plane:])
	}

	return &Prediction{
		ConfScores:  utils.FromFloat32s(conf, B, A, H, W),
		Offsets:     utils.FromFloat32s(offsets, B, A, H, W, 4),
		ClassScores: utils.FromFloat32s(classes, B, C, H, W),
		NumAnchors:  A,
		NumClasses:  C,
	}, nil
}

func (p *Prediction) dims() (B, A, H, W int) {
	s := p.ConfScores.Shape()
	return s[0], s[1], s[2], s[3]
}

// ExtractAnchorData gathers the confidence and the flattened offsets of the
// anchors at idx, indices into the (B, A, H, W) order.
func (p *Prediction) ExtractAnchorData(idx []int) ([]float32, []float32, error) {
	B, A, H, W := p.dims()
	total := B * A * H * W

	confData, err := utils.Float32Data(p.ConfScores)
	if err != nil {
		return nil, nil, err
	}
	offData, err := utils.Float32Data(p.Offsets)
	if err != nil {
		return nil, nil, err
	}

	conf := make([]float32, len(idx))
	offsets := make([]float32, 0, 4*len(idx))
	for i, k := range idx {
		if k < 0 || k >= total {
			return nil, nil, errors.Errorf("anchor index %d is out of bounds for %d anchors", k, total)
		}
		conf[i] = confData[k]
		offsets = append(offsets, offData[4*k:4*k+4]...)
	}
	return conf, offsets, nil
}

// ExtractClassScores gathers the class logits of the cell of each anchor at
// idx, row-major (len(idx), C).
func (p *Prediction) ExtractClassScores(idx []int) ([]float32, error) {
	B, A, H, W := p.dims()
	plane := H * W
	total := B * A * plane
	C := p.NumClasses

	data, err := utils.Float32Data(p.ClassScores)
	if err != nil {
		return nil, err
	}

	out := make([]float32, 0, C*len(idx))
	for _, k := range idx {
		if k < 0 || k >= total {
			return nil, errors.Errorf("anchor index %d is out of bounds for %d anchors", k, total)
		}
		b, cell := k/(A*plane), k%plane
		for c := range C {
			out = append(out, data[(b*C+c)*plane+cell])
		}
	}
	return out, nil
}
