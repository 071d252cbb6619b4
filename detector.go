package go_anchor_detector

import (
	"time"

	"github.com/okieraised/go-anchor-detector/config"
	"github.com/okieraised/go-anchor-detector/modules"
	"github.com/okieraised/go-anchor-detector/processing"
	"github.com/okieraised/go-anchor-detector/rcnn"
	"github.com/okieraised/go-anchor-detector/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// FeatureExtractor maps an image batch (B, 3, H, W) to features (B, F, h, w).
type FeatureExtractor interface {
	Extract(images *tensor.Dense) (*tensor.Dense, error)
}

// PredictionHead maps features (B, F, h, w) to the raw (B, 5A+C, h, w) output.
type PredictionHead interface {
	Predict(features *tensor.Dense) (*tensor.Dense, error)
}

// Detection is a kept box in pixel coordinates of the network input.
type Detection struct {
	Box   [4]float32 `json:"box"`
	Score float32    `json:"score"`
	Class int        `json:"class"`
	Label string     `json:"label"`
}

type SingleStageDetector struct {
	backbone FeatureExtractor
	head     PredictionHead
	params   *config.DetectorParams
	classes  *config.ClassCatalog
	logger   *zap.Logger
	metrics  *modules.DetectorMetrics
}

type Option func(*SingleStageDetector)

func WithLogger(logger *zap.Logger) Option {
	return func(d *SingleStageDetector) {
		d.logger = logger
	}
}

func WithMetrics(metrics *modules.DetectorMetrics) Option {
	return func(d *SingleStageDetector) {
		d.metrics = metrics
	}
}

func WithClassCatalog(classes *config.ClassCatalog) Option {
	return func(d *SingleStageDetector) {
		d.classes = classes
	}
}

// NewSingleStageDetector wires a backbone and a prediction head to the anchor
// geometry described by params.
func NewSingleStageDetector(backbone FeatureExtractor, head PredictionHead, params *config.DetectorParams, opts ...Option) (*SingleStageDetector, error) {
	if backbone == nil || head == nil {
		return nil, errors.New("backbone and prediction head must not be nil")
	}
	if params == nil {
		params = config.DefaultDetectorParams
	}
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid detector params")
	}

	d := &SingleStageDetector{
		backbone: backbone,
		head:     head,
		params:   params,
		classes:  config.DefaultClassCatalog(),
		logger:   utils.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Sync flushes the detector's logger.
func (d *SingleStageDetector) Sync() error {
	return d.logger.Sync()
}

func (d *SingleStageDetector) observe(stage string, start time.Time) {
	if d.metrics != nil {
		d.metrics.InferenceDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// predict runs the backbone and head and builds the grid and anchors for the
// resulting activation map.
func (d *SingleStageDetector) predict(images *tensor.Dense) (*modules.Prediction, *tensor.Dense, *tensor.Dense, error) {
	if err := utils.CheckShape(images, "images", utils.Any, 3, d.params.ImageSize[1], d.params.ImageSize[0]); err != nil {
		return nil, nil, nil, err
	}

	start := time.Now()
	features, err := d.backbone.Extract(images)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "backbone")
	}
	d.observe("backbone", start)

	start = time.Now()
	raw, err := d.head.Predict(features)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "prediction head")
	}
	d.observe("head", start)

	pred, err := modules.DecodePrediction(raw, len(d.params.AnchorList), d.params.NumClasses)
	if err != nil {
		return nil, nil, nil, err
	}
	shape := pred.ConfScores.Shape()
	if shape[0] != images.Shape()[0] {
		return nil, nil, nil, errors.Wrapf(utils.ErrShapeMismatch, "prediction batch %d does not match image batch %d", shape[0], images.Shape()[0])
	}

	grid, err := rcnn.GenerateGrid(shape[0], shape[2], shape[3])
	if err != nil {
		return nil, nil, nil, err
	}
	catalog, err := processing.AnchorCatalog(d.params.AnchorList)
	if err != nil {
		return nil, nil, nil, err
	}
	anchors, err := processing.GenerateAnchors(catalog, grid)
	if err != nil {
		return nil, nil, nil, err
	}
	return pred, grid, anchors, nil
}

// Forward computes the training loss of images (B, 3, H, W) against bboxes
// (B, N, 5) given in pixel coordinates, padded with -1 rows.
func (d *SingleStageDetector) Forward(images, bboxes *tensor.Dense) (float32, modules.LossBreakdown, error) {
	var parts modules.LossBreakdown

	if err := utils.CheckShape(bboxes, "bboxes", utils.Any, utils.Any, 5); err != nil {
		return 0, parts, err
	}
	pred, grid, anchors, err := d.predict(images)
	if err != nil {
		return 0, parts, err
	}
	if bboxes.Shape()[0] != images.Shape()[0] {
		return 0, parts, errors.Wrapf(utils.ErrShapeMismatch, "bboxes batch %d does not match image batch %d", bboxes.Shape()[0], images.Shape()[0])
	}

	start := time.Now()
	shape := pred.ConfScores.Shape()
	H, W := shape[2], shape[3]
	gtAmap, err := processing.CoordTrans(bboxes,
		float32(d.params.ImageSize[0]), float32(d.params.ImageSize[1]),
		float32(W), float32(H), processing.PixelToActivation)
	if err != nil {
		return 0, parts, err
	}

	iouMat, err := processing.IoUMatrix(anchors, gtAmap)
	if err != nil {
		return 0, parts, err
	}
	assignment, err := rcnn.LabelAnchors(anchors, gtAmap, grid, iouMat, rcnn.NewLabelParams(d.params))
	if err != nil {
		return 0, parts, err
	}
	d.observe("labeling", start)

	d.logger.Debug("labeled anchors",
		zap.Int("positive", assignment.NumPositive()),
		zap.Int("negative", assignment.NumNegative()))
	if assignment.OutOfRangeOffsets > 0 {
		d.logger.Warn("regression targets leave the anchor cell",
			zap.Int("count", assignment.OutOfRangeOffsets))
	}

	posConf, posOffsets, err := pred.ExtractAnchorData(assignment.Positive)
	if err != nil {
		return 0, parts, err
	}
	negConf, _, err := pred.ExtractAnchorData(assignment.Negative)
	if err != nil {
		return 0, parts, err
	}
	classScores, err := pred.ExtractClassScores(assignment.Positive)
	if err != nil {
		return 0, parts, err
	}

	if parts.Conf, err = modules.ConfScoreRegression(append(posConf, negConf...), assignment.GTConfScores); err != nil {
		return 0, parts, errors.Wrap(err, "confidence loss")
	}
	if parts.Reg, err = modules.BboxRegression(posOffsets, assignment.GTOffsets); err != nil {
		return 0, parts, errors.Wrap(err, "regression loss")
	}
	if parts.Cls, err = modules.ObjectClassification(classScores, d.params.NumClasses, assignment.GTClass); err != nil {
		return 0, parts, errors.Wrap(err, "classification loss")
	}

	if d.metrics != nil {
		d.metrics.ForwardPasses.Inc()
		d.metrics.PositiveAnchors.Add(float64(assignment.NumPositive()))
		d.metrics.NegativeAnchors.Add(float64(assignment.NumNegative()))
	}

	return modules.TotalLoss(parts, d.params.LossWeights), parts, nil
}

// Inference returns the detections of every image of images (B, 3, H, W).
// Proposals with confidence above confThresh are decoded, suppressed with
// nmsThresh and scaled back to pixel coordinates.
func (d *SingleStageDetector) Inference(images *tensor.Dense, confThresh, nmsThresh float32) ([][]Detection, error) {
	pred, _, anchors, err := d.predict(images)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	proposals, err := processing.DecodeOffsets(anchors, pred.Offsets, d.params.TransformMode)
	if err != nil {
		return nil, err
	}
	propData, err := utils.Float32Data(proposals)
	if err != nil {
		return nil, err
	}
	confData, err := utils.Float32Data(pred.ConfScores)
	if err != nil {
		return nil, err
	}

	shape := pred.ConfScores.Shape()
	B, A, H, W := shape[0], shape[1], shape[2], shape[3]
	P := A * H * W

	candidates := make([][]int, B)
	boxes := make([][]float32, B)
	scores := make([][]float32, B)
	for b := range B {
		for i := range P {
			k := b*P + i
			if confData[k] > confThresh {
				candidates[b] = append(candidates[b], k)
				boxes[b] = append(boxes[b], propData[4*k:4*k+4]...)
				scores[b] = append(scores[b], confData[k])
			}
		}
		if d.params.ClipProposals && len(scores[b]) > 0 {
			clipped, err := processing.ClipBoxes(utils.FromFloat32s(boxes[b], len(scores[b]), 4), float32(H), float32(W))
			if err != nil {
				return nil, err
			}
			if boxes[b], err = utils.Float32Data(clipped); err != nil {
				return nil, err
			}
		}
	}

	keeps, err := processing.BatchedNMS(boxes, scores, nmsThresh, d.params.TopK, d.params.NumWorkers)
	if err != nil {
		return nil, err
	}

	sx := float32(d.params.ImageSize[0]) / float32(W)
	sy := float32(d.params.ImageSize[1]) / float32(H)
	results := make([][]Detection, B)
	for b, keep := range keeps {
		results[b] = make([]Detection, 0, len(keep))
		for _, j := range keep {
			logits, err := pred.ExtractClassScores(candidates[b][j : j+1])
			if err != nil {
				return nil, err
			}
			cls := utils.ArgMax(logits)
			box := boxes[b][4*j : 4*j+4]
			results[b] = append(results[b], Detection{
				Box:   [4]float32{box[0] * sx, box[1] * sy, box[2] * sx, box[3] * sy},
				Score: scores[b][j],
				Class: cls,
				Label: d.classes.Name(cls),
			})
		}

		d.logger.Debug("kept detections",
			zap.Int("image", b),
			zap.Int("candidates", len(scores[b])),
			zap.Int("kept", len(keep)))
		if d.metrics != nil {
			d.metrics.DetectionsPerImage.Observe(float64(len(keep)))
			d.metrics.SuppressedBoxes.Add(float64(len(scores[b]) - len(keep)))
		}
	}
	d.observe("postprocess", start)

	return results, nil
}

// InferenceMats converts BGR OpenCV images to the network input and runs Inference.
func (d *SingleStageDetector) InferenceMats(imgs []gocv.Mat, confThresh, nmsThresh float32) ([][]Detection, error) {
	images, err := utils.MatsToTensor(imgs, d.params.ImageSize)
	if err != nil {
		return nil, err
	}
	return d.Inference(images, confThresh, nmsThresh)
}

// InferenceBytes decodes encoded images and runs InferenceMats on them.
func (d *SingleStageDetector) InferenceBytes(encoded [][]byte, confThresh, nmsThresh float32) ([][]Detection, error) {
	imgs := make([]gocv.Mat, 0, len(encoded))
	defer func() {
		for _, img := range imgs {
			_ = img.Close()
		}
	}()

	for i, buf := range encoded {
		img, err := utils.DecodeImage(buf)
		if err != nil {
			_ = img.Close()
			return nil, errors.Wrapf(err, "image %d", i)
		}
		imgs = append(imgs, img)
	}
	return d.InferenceMats(imgs, confThresh, nmsThresh)
}
