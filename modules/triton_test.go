package modules

import (
	"os"
	"testing"

	"github.com/okieraised/go-anchor-detector/config"
	"github.com/okieraised/go-anchor-detector/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tritonTestURL returns the server used by the integration tests, skipping
// the test when none is configured.
func tritonTestURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("TRITON_TEST_URL")
	if url == "" {
		t.Skip("TRITON_TEST_URL is not set")
	}
	return url
}

func TestTritonFeatureExtractor_Extract(t *testing.T) {
	tritonClient, err := NewTritonClient(tritonTestURL(t))
	require.NoError(t, err)

	backbone, err := NewTritonFeatureExtractor(tritonClient, config.DefaultBackboneParams)
	require.NoError(t, err)

	size := config.DefaultBackboneParams.ImageSize
	images := utils.NewFloat32(2, 3, size[1], size[0])
	features, err := backbone.Extract(images)
	require.NoError(t, err)
	assert.Equal(t, 2, features.Shape()[0])

	head, err := NewTritonPredictionHead(tritonClient, config.DefaultPredictionHeadParams)
	require.NoError(t, err)
	raw, err := head.Predict(features)
	require.NoError(t, err)

	params := config.DefaultDetectorParams
	pred, err := DecodePrediction(raw, len(params.AnchorList), params.NumClasses)
	require.NoError(t, err)
	assert.Equal(t, 2, pred.ConfScores.Shape()[0])
}

func TestTritonFeatureExtractor_WrongInput(t *testing.T) {
	tritonClient, err := NewTritonClient(tritonTestURL(t))
	require.NoError(t, err)

	backbone, err := NewTritonFeatureExtractor(tritonClient, config.DefaultBackboneParams)
	require.NoError(t, err)

	_, err = backbone.Extract(utils.NewFloat32(1, 1, 8, 8))
	assert.Error(t, err)
}

func TestNewTritonFeatureExtractor_NilClient(t *testing.T) {
	_, err := NewTritonFeatureExtractor(nil, config.DefaultBackboneParams)
	assert.Error(t, err)
}
