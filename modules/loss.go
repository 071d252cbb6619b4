package modules

import (
	"github.com/okieraised/go-anchor-detector/config"
	"github.com/okieraised/go-anchor-detector/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// LossBreakdown holds the unweighted loss terms of a forward pass.
type LossBreakdown struct {
	Conf float32 `json:"conf"`
	Reg  float32 `json:"reg"`
	Cls  float32 `json:"cls"`
}

func toFloat64s(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}

func sumSquaredError(pred, target []float32) float64 {
	diff := make([]float64, len(pred))
	floats.SubTo(diff, toFloat64s(pred), toFloat64s(target))
	return floats.Dot(diff, diff)
}

// ConfScoreRegression is the squared error between predicted confidences of
// the positives followed by the negatives and their targets, divided by the
// number of samples.
func ConfScoreRegression(confScores, gtConfScores []float32) (float32, error) {
	if len(confScores) != len(gtConfScores) {
		return 0, errors.Wrapf(utils.ErrShapeMismatch, "%d confidence scores for %d targets", len(confScores), len(gtConfScores))
	}
	if len(confScores) == 0 {
		return 0, nil
	}
	return float32(sumSquaredError(confScores, gtConfScores) / float64(len(confScores))), nil
}

// BboxRegression is the squared error between flattened (M, 4) predicted and
// target offsets, summed and divided by M.
func BboxRegression(offsets, gtOffsets []float32) (float32, error) {
	if len(offsets) != len(gtOffsets) || len(offsets)%4 != 0 {
		return 0, errors.Wrapf(utils.ErrShapeMismatch, "offsets have %d values, targets %d, want equal multiples of 4", len(offsets), len(gtOffsets))
	}
	m := len(offsets) / 4
	if m == 0 {
		return 0, nil
	}
	return float32(sumSquaredError(offsets, gtOffsets) / float64(m)), nil
}

// ObjectClassification is the softmax cross-entropy of (M, C) class logits
// against gtClass, summed and divided by M.
func ObjectClassification(classScores []float32, numClasses int, gtClass []int) (float32, error) {
	if numClasses < 1 {
		return 0, errors.Errorf("number of classes must be positive, got %d", numClasses)
	}
	if len(classScores) != numClasses*len(gtClass) {
		return 0, errors.Wrapf(utils.ErrShapeMismatch, "%d class scores for %d samples of %d classes", len(classScores), len(gtClass), numClasses)
	}
	m := len(gtClass)
	if m == 0 {
		return 0, nil
	}

	var total float64
	for i, cls := range gtClass {
		if cls < 0 || cls >= numClasses {
			return 0, errors.Errorf("sample %d has class %d outside [0, %d)", i, cls, numClasses)
		}
		logits := toFloat64s(classScores[i*numClasses : (i+1)*numClasses])
		total += floats.LogSumExp(logits) - logits[cls]
	}
	return float32(total / float64(m)), nil
}

// TotalLoss combines the loss terms with their weights.
func TotalLoss(parts LossBreakdown, weights config.LossWeights) float32 {
	return weights.Conf*parts.Conf + weights.Reg*parts.Reg + weights.Cls*parts.Cls
}
