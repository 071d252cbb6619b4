package go_anchor_detector

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/okieraised/go-anchor-detector/config"
	"github.com/okieraised/go-anchor-detector/modules"
	"github.com/okieraised/go-anchor-detector/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

const (
	testChannels = 5*1 + 2
	testPlane    = 7 * 7
)

type stubBackbone struct{}

func (stubBackbone) Extract(images *tensor.Dense) (*tensor.Dense, error) {
	return utils.NewFloat32(images.Shape()[0], 4, 7, 7), nil
}

// stubHead returns raw for every image of the batch.
type stubHead struct {
	raw []float32
	err error
}

func (h stubHead) Predict(features *tensor.Dense) (*tensor.Dense, error) {
	if h.err != nil {
		return nil, h.err
	}
	b := features.Shape()[0]
	data := make([]float32, 0, b*len(h.raw))
	for range b {
		data = append(data, h.raw...)
	}
	return utils.FromFloat32s(data, b, testChannels, 7, 7), nil
}

func rawSet(raw []float32, ch, cell int, v float32) {
	raw[ch*testPlane+cell] = v
}

func testParams() *config.DetectorParams {
	return config.NewDetectorParams([][2]float32{{1, 1}}, 2, config.TransformYOLO, 0.7, 0.2, 0.5, 0.5)
}

func testImages(b int) *tensor.Dense {
	return utils.NewFloat32(b, 3, 224, 224)
}

func TestNewSingleStageDetector_Errors(t *testing.T) {
	_, err := NewSingleStageDetector(nil, stubHead{}, testParams())
	assert.Error(t, err)

	params := testParams()
	params.TransformMode = "SSD"
	_, err = NewSingleStageDetector(stubBackbone{}, stubHead{}, params)
	assert.True(t, errors.Is(err, config.ErrUnsupportedTransform))
}

func TestSingleStageDetector_Inference(t *testing.T) {
	raw := make([]float32, testChannels*testPlane)
	for c := range testPlane {
		rawSet(raw, 0, c, -10)
	}
	// cell (1,1): confident, class 1.
	rawSet(raw, 0, 8, 10)
	rawSet(raw, 6, 8, 3)
	// cell (1,2): less confident, class 0.
	rawSet(raw, 0, 9, 5)
	rawSet(raw, 5, 9, 1)

	reg := prometheus.NewRegistry()
	metrics := modules.NewDetectorMetrics(reg)
	det, err := NewSingleStageDetector(stubBackbone{}, stubHead{raw: raw}, testParams(), WithMetrics(metrics))
	require.NoError(t, err)

	results, err := det.Inference(testImages(2), 0.5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, dets := range results {
		require.Len(t, dets, 2)
		assert.InDeltaSlice(t, []float32{32, 32, 64, 64}, dets[0].Box[:], 1e-3)
		assert.Equal(t, 1, dets[0].Class)
		assert.Equal(t, "bicycle", dets[0].Label)
		assert.InDeltaSlice(t, []float32{64, 32, 96, 64}, dets[1].Box[:], 1e-3)
		assert.Equal(t, 0, dets[1].Class)
		assert.Equal(t, "aeroplane", dets[1].Label)
		assert.Greater(t, dets[0].Score, dets[1].Score)
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.SuppressedBoxes))
}

func TestSingleStageDetector_InferenceSuppresses(t *testing.T) {
	raw := make([]float32, testChannels*testPlane)
	for c := range testPlane {
		rawSet(raw, 0, c, -10)
	}
	// two neighbouring cells predicting boxes three cells wide: IoU 0.5.
	for _, c := range []int{8, 9} {
		rawSet(raw, 0, c, 10)
		rawSet(raw, 3, c, float32(math.Log(3)))
	}
	rawSet(raw, 0, 9, 8)

	metrics := modules.NewDetectorMetrics(nil)
	det, err := NewSingleStageDetector(stubBackbone{}, stubHead{raw: raw}, testParams(), WithMetrics(metrics))
	require.NoError(t, err)

	results, err := det.Inference(testImages(1), 0.5, 0.4)
	require.NoError(t, err)
	require.Len(t, results[0], 1)
	assert.InDeltaSlice(t, []float32{0, 32, 96, 64}, results[0][0].Box[:], 1e-3)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SuppressedBoxes))

	results, err = det.Inference(testImages(1), 0.5, 0.6)
	require.NoError(t, err)
	assert.Len(t, results[0], 2)
}

func TestSingleStageDetector_InferenceClips(t *testing.T) {
	raw := make([]float32, testChannels*testPlane)
	for c := range testPlane {
		rawSet(raw, 0, c, -10)
	}
	rawSet(raw, 0, 0, 10)
	rawSet(raw, 3, 0, float32(math.Log(3)))

	params := testParams()
	params.ClipProposals = true
	det, err := NewSingleStageDetector(stubBackbone{}, stubHead{raw: raw}, params)
	require.NoError(t, err)

	results, err := det.Inference(testImages(1), 0.5, 0.5)
	require.NoError(t, err)
	require.Len(t, results[0], 1)
	assert.InDeltaSlice(t, []float32{0, 0, 64, 32}, results[0][0].Box[:], 1e-3)
}

func TestSingleStageDetector_InferenceNothingAboveThreshold(t *testing.T) {
	det, err := NewSingleStageDetector(stubBackbone{}, stubHead{raw: make([]float32, testChannels*testPlane)}, testParams())
	require.NoError(t, err)

	results, err := det.Inference(testImages(3), 0.9, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, dets := range results {
		assert.Empty(t, dets)
	}
}

func TestSingleStageDetector_Forward(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	metrics := modules.NewDetectorMetrics(nil)
	det, err := NewSingleStageDetector(stubBackbone{}, stubHead{raw: make([]float32, testChannels*testPlane)}, testParams(),
		WithLogger(zap.New(core)), WithMetrics(metrics))
	require.NoError(t, err)

	// image 0 holds one box on cell (1,1); image 1 is all padding.
	bboxes := utils.FromFloat32s([]float32{
		32, 32, 64, 64, 1,
		-1, -1, -1, -1, -1,
	}, 2, 1, 5)

	total, parts, err := det.Forward(testImages(2), bboxes)
	require.NoError(t, err)

	// Every confidence is 0.5, so each sample contributes 0.25.
	assert.InDelta(t, 0.25, parts.Conf, 1e-6)
	assert.InDelta(t, 0, parts.Reg, 1e-6)
	assert.InDelta(t, math.Ln2, parts.Cls, 1e-6)
	assert.InDelta(t, 0.25+math.Ln2, total, 1e-5)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PositiveAnchors))
	assert.Equal(t, float64(48+49), testutil.ToFloat64(metrics.NegativeAnchors))
	assert.Equal(t, 1, logs.FilterMessage("labeled anchors").Len())
}

func TestSingleStageDetector_ForwardErrors(t *testing.T) {
	det, err := NewSingleStageDetector(stubBackbone{}, stubHead{raw: make([]float32, testChannels*testPlane)}, testParams())
	require.NoError(t, err)

	_, _, err = det.Forward(testImages(2), utils.FromFloat32s(make([]float32, 5), 1, 1, 5))
	assert.True(t, errors.Is(err, utils.ErrShapeMismatch))

	_, _, err = det.Forward(utils.NewFloat32(1, 3, 10, 10), utils.FromFloat32s(make([]float32, 5), 1, 1, 5))
	assert.True(t, errors.Is(err, utils.ErrShapeMismatch))

	failing, err := NewSingleStageDetector(stubBackbone{}, stubHead{err: errors.New("head down")}, testParams())
	require.NoError(t, err)
	_, err = failing.Inference(testImages(1), 0.5, 0.5)
	assert.ErrorContains(t, err, "head down")
}

func TestSingleStageDetector_InferenceBytes(t *testing.T) {
	raw := make([]float32, testChannels*testPlane)
	for c := range testPlane {
		rawSet(raw, 0, c, -10)
	}
	rawSet(raw, 0, 8, 10)

	core, logs := observer.New(zap.DebugLevel)
	prev := utils.Logger
	utils.Logger = zap.New(core)
	t.Cleanup(func() { utils.Logger = prev })

	det, err := NewSingleStageDetector(stubBackbone{}, stubHead{raw: raw}, testParams())
	require.NoError(t, err)

	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 128, 255, 0), 120, 160, gocv.MatTypeCV8UC3)
	defer img.Close()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	require.NoError(t, err)
	encoded := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	results, err := det.InferenceBytes([][]byte{encoded, encoded}, 0.5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, dets := range results {
		require.Len(t, dets, 1)
		assert.InDeltaSlice(t, []float32{32, 32, 64, 64}, dets[0].Box[:], 1e-3)
	}
	assert.Equal(t, 2, logs.FilterMessage("kept detections").Len())

	_, err = det.InferenceBytes([][]byte{encoded, []byte("garbage")}, 0.5, 0.5)
	assert.ErrorContains(t, err, "image 1")
}

func TestNewTritonDetectorFromConfig_Errors(t *testing.T) {
	prev := utils.Logger
	t.Cleanup(func() { utils.Logger = prev })

	_, err := NewTritonDetectorFromConfig(nil, "/does/not/exist.yaml")
	assert.ErrorContains(t, err, "config file does not exist")

	path := filepath.Join(t.TempDir(), "detector.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_classes: 3\nlog_mode: debug\n"), 0o600))

	_, err = NewTritonDetectorFromConfig(nil, path)
	assert.ErrorContains(t, err, "triton client must not be nil")
	assert.True(t, utils.Logger.Core().Enabled(zap.DebugLevel))
}

func TestSingleStageDetector_Sync(t *testing.T) {
	core, _ := observer.New(zap.InfoLevel)
	det, err := NewSingleStageDetector(stubBackbone{}, stubHead{}, testParams(), WithLogger(zap.New(core)))
	require.NoError(t, err)
	assert.NoError(t, det.Sync())
}

func TestNewTritonDetector(t *testing.T) {
	url := os.Getenv("TRITON_TEST_URL")
	if url == "" {
		t.Skip("TRITON_TEST_URL is not set")
	}
	tritonClient, err := modules.NewTritonClient(url)
	require.NoError(t, err)

	det, err := NewTritonDetector(tritonClient, nil, nil, nil)
	require.NoError(t, err)

	results, err := det.Inference(testImages(1), 0.5, 0.5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
