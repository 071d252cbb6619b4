package utils

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

var (
	imageNetMeans = [3]float32{0.485, 0.456, 0.406}
	imageNetStds  = [3]float32{0.229, 0.224, 0.225}
)

// DecodeImage decodes an encoded image (JPEG, PNG, ...) into a 3-channel BGR
// Mat. Grayscale and BGRA inputs are converted. The caller closes the Mat.
func DecodeImage(encoded []byte) (gocv.Mat, error) {
	if len(encoded) == 0 {
		return gocv.NewMat(), errors.New("empty image buffer")
	}
	src, err := gocv.IMDecode(encoded, gocv.IMReadUnchanged)
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "decode image")
	}
	if src.Empty() {
		return src, errors.New("image buffer could not be decoded")
	}

	var code gocv.ColorConversionCode
	switch src.Channels() {
	case 3:
		return src, nil
	case 4:
		code = gocv.ColorBGRAToBGR
	case 1:
		code = gocv.ColorGrayToBGR
	default:
		ch := src.Channels()
		_ = src.Close()
		return gocv.NewMat(), errors.Errorf("unsupported channel count %d", ch)
	}

	dst := gocv.NewMat()
	gocv.CvtColor(src, &dst, code)
	_ = src.Close()
	return dst, nil
}

// MatsToTensor resizes BGR images to imageSize (width, height), converts them
// to RGB, normalizes with ImageNet statistics and packs them into a
// (B, 3, height, width) batch.
func MatsToTensor(imgs []gocv.Mat, imageSize [2]int) (*tensor.Dense, error) {
	if len(imgs) == 0 {
		return nil, errors.Wrap(ErrShapeMismatch, "no images to batch")
	}
	width, height := imageSize[0], imageSize[1]
	plane := width * height
	data := make([]float32, len(imgs)*3*plane)

	for i, img := range imgs {
		if img.Empty() {
			return nil, errors.Errorf("image %d is empty", i)
		}
		resizedImg := gocv.NewMat()
		gocv.Resize(img, &resizedImg, image.Point{X: width, Y: height}, 0, 0, gocv.InterpolationLinear)
		rgbImg := gocv.NewMat()
		gocv.CvtColor(resizedImg, &rgbImg, gocv.ColorBGRToRGB)
		_ = resizedImg.Close()

		base := i * 3 * plane
		for y := range height {
			for x := range width {
				px := rgbImg.GetVecbAt(y, x)
				for z := range 3 {
					data[base+z*plane+y*width+x] = (float32(px[z])/255 - imageNetMeans[z]) / imageNetStds[z]
				}
			}
		}
		_ = rgbImg.Close()
	}

	return FromFloat32s(data, len(imgs), 3, height, width), nil
}
