package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"gocv.io/x/gocv"
)

func TestMatsToTensor(t *testing.T) {
	// pure blue in BGR order.
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), 10, 20, gocv.MatTypeCV8UC3)
	defer img.Close()

	batch, err := MatsToTensor([]gocv.Mat{img, img}, [2]int{4, 6})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 6, 4}, []int(batch.Shape()))

	data := batch.Float32s()
	plane := 6 * 4
	assert.InDelta(t, (0-0.485)/0.229, data[0], 1e-4)
	assert.InDelta(t, (0-0.456)/0.224, data[plane], 1e-4)
	assert.InDelta(t, (1-0.406)/0.225, data[2*plane], 1e-4)
	assert.Equal(t, data[:3*plane], data[3*plane:])
}

func TestMatsToTensor_Errors(t *testing.T) {
	_, err := MatsToTensor(nil, [2]int{4, 4})
	assert.Error(t, err)

	empty := gocv.NewMat()
	defer empty.Close()
	_, err = MatsToTensor([]gocv.Mat{empty}, [2]int{4, 4})
	assert.Error(t, err)
}

func encodePNG(t *testing.T, img gocv.Mat) []byte {
	t.Helper()
	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	require.NoError(t, err)
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...)
}

func TestDecodeImage(t *testing.T) {
	gray := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 0, 0, 0), 5, 8, gocv.MatTypeCV8UC1)
	defer gray.Close()

	img, err := DecodeImage(encodePNG(t, gray))
	require.NoError(t, err)
	defer img.Close()
	assert.Equal(t, 3, img.Channels())
	assert.Equal(t, 5, img.Rows())
	assert.Equal(t, 8, img.Cols())
	assert.Equal(t, gocv.Vecb{128, 128, 128}, img.GetVecbAt(2, 3))

	bgr := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), 4, 4, gocv.MatTypeCV8UC3)
	defer bgr.Close()
	same, err := DecodeImage(encodePNG(t, bgr))
	require.NoError(t, err)
	defer same.Close()
	assert.Equal(t, gocv.Vecb{255, 0, 0}, same.GetVecbAt(0, 0))
}

func TestDecodeImage_Errors(t *testing.T) {
	img, err := DecodeImage(nil)
	assert.Error(t, err)
	_ = img.Close()

	img, err = DecodeImage([]byte("not an image"))
	assert.Error(t, err)
	_ = img.Close()
}

func TestInitLogger(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	require.NoError(t, InitLogger("release"))
	assert.True(t, Logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, Logger.Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, InitLogger("debug"))
	assert.True(t, Logger.Core().Enabled(zapcore.DebugLevel))
}
