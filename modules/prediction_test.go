package modules

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/okieraised/go-anchor-detector/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePrediction(t *testing.T) {
	// B=1, A=1, C=2, H=1, W=2.
	raw := utils.FromFloat32s([]float32{
		0, math32.Log(3), // conf logits
		0, 0, // tx
		0, 0, // ty
		0.1, 0.2, // tw
		0.3, 0.4, // th
		1, 2, // class 0
		3, 4, // class 1
	}, 1, 7, 1, 2)

	pred, err := DecodePrediction(raw, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 2}, []int(pred.ConfScores.Shape()))
	assert.Equal(t, []int{1, 1, 1, 2, 4}, []int(pred.Offsets.Shape()))
	assert.Equal(t, []int{1, 2, 1, 2}, []int(pred.ClassScores.Shape()))

	assert.InDeltaSlice(t, []float32{0.5, 0.75}, pred.ConfScores.Float32s(), 1e-6)
	assert.InDeltaSlice(t, []float32{0, 0, 0.1, 0.3, 0, 0, 0.2, 0.4}, pred.Offsets.Float32s(), 1e-6)
	assert.Equal(t, []float32{1, 2, 3, 4}, pred.ClassScores.Float32s())

	conf, offsets, err := pred.ExtractAnchorData([]int{1, 0})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.75, 0.5}, conf, 1e-6)
	assert.InDeltaSlice(t, []float32{0, 0, 0.2, 0.4, 0, 0, 0.1, 0.3}, offsets, 1e-6)

	scores, err := pred.ExtractClassScores([]int{1})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4}, scores)

	_, _, err = pred.ExtractAnchorData([]int{2})
	assert.Error(t, err)
}

func TestDecodePrediction_OffsetsAreSquashed(t *testing.T) {
	raw := utils.FromFloat32s([]float32{0, 50, -50, 0, 0, 0}, 1, 6, 1, 1)

	pred, err := DecodePrediction(raw, 1, 1)
	require.NoError(t, err)
	off := pred.Offsets.Float32s()
	assert.InDelta(t, 0.5, off[0], 1e-6)
	assert.InDelta(t, -0.5, off[1], 1e-6)
}

func TestExtractClassScores_SharedAcrossAnchors(t *testing.T) {
	// B=2, A=2, C=1, H=1, W=1: channels 11.
	data := make([]float32, 22)
	data[10] = 7
	data[21] = 9
	pred, err := DecodePrediction(utils.FromFloat32s(data, 2, 11, 1, 1), 2, 1)
	require.NoError(t, err)

	scores, err := pred.ExtractClassScores([]int{0, 1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 7, 9, 9}, scores)
}

func TestDecodePrediction_WrongChannels(t *testing.T) {
	raw := utils.FromFloat32s(make([]float32, 8), 1, 8, 1, 1)
	_, err := DecodePrediction(raw, 1, 2)
	assert.True(t, errors.Is(err, utils.ErrShapeMismatch))

	_, err = DecodePrediction(raw, 0, 2)
	assert.Error(t, err)
}
