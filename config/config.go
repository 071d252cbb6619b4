package config

import (
	"slices"
	"time"

	"github.com/pkg/errors"
)

// TransformMode selects the offset parameterization used by the box codec.
type TransformMode string

const (
	TransformYOLO TransformMode = "YOLO"
	// TransformFasterRCNN decodes the y centre with tx instead of ty. The
	// behaviour is kept for compatibility with existing trained heads.
	TransformFasterRCNN TransformMode = "FasterRCNN"
	// TransformFasterRCNNCorrected is FasterRCNN with ty driving the y centre.
	TransformFasterRCNNCorrected TransformMode = "FasterRCNNCorrected"
)

// ErrUnsupportedTransform is returned for a TransformMode outside the supported set.
var ErrUnsupportedTransform = errors.New("unsupported transform mode")

func (m TransformMode) Validate() error {
	switch m {
	case TransformYOLO, TransformFasterRCNN, TransformFasterRCNNCorrected:
		return nil
	default:
		return errors.Wrapf(ErrUnsupportedTransform, "%q (want one of %q, %q, %q)",
			string(m), TransformYOLO, TransformFasterRCNN, TransformFasterRCNNCorrected)
	}
}

// MatchStrategy selects how anchors are made responsible for ground-truth boxes.
type MatchStrategy string

const (
	// MatchMaxIoU forces the best-IoU anchor of every box positive and adds
	// anchors above the positive threshold.
	MatchMaxIoU MatchStrategy = "MaxIoU"
	// MatchCenterCell picks the grid cell closest to the box centre and the
	// best-IoU anchor shape inside that cell.
	MatchCenterCell MatchStrategy = "CenterCell"
)

func (s MatchStrategy) Validate() error {
	switch s {
	case MatchMaxIoU, MatchCenterCell:
		return nil
	default:
		return errors.Errorf("unsupported match strategy %q (want %q or %q)", string(s), MatchMaxIoU, MatchCenterCell)
	}
}

// DefaultAnchorList is the anchor catalog, as (width, height) in activation-map cells.
var DefaultAnchorList = [][2]float32{
	{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}, {2, 3}, {3, 2}, {3, 5}, {5, 3},
}

type LossWeights struct {
	Conf float32 `json:"conf" mapstructure:"conf"`
	Reg  float32 `json:"reg" mapstructure:"reg"`
	Cls  float32 `json:"cls" mapstructure:"cls"`
}

type DetectorParams struct {
	AnchorList           [][2]float32  `json:"anchor_list" mapstructure:"anchor_list"`
	NumClasses           int           `json:"num_classes" mapstructure:"num_classes"`
	ImageSize            [2]int        `json:"image_size" mapstructure:"image_size"`
	FeatureSize          [2]int        `json:"feature_size" mapstructure:"feature_size"`
	TransformMode        TransformMode `json:"transform_mode" mapstructure:"transform_mode"`
	MatchStrategy        MatchStrategy `json:"match_strategy" mapstructure:"match_strategy"`
	PosThreshold         float32       `json:"pos_threshold" mapstructure:"pos_threshold"`
	NegThreshold         float32       `json:"neg_threshold" mapstructure:"neg_threshold"`
	NegativesPerPositive float32       `json:"negatives_per_positive" mapstructure:"negatives_per_positive"`
	Seed                 uint64        `json:"seed" mapstructure:"seed"`
	ConfidenceThreshold  float32       `json:"confidence_threshold" mapstructure:"confidence_threshold"`
	IOUThreshold         float32       `json:"iou_threshold" mapstructure:"iou_threshold"`
	TopK                 int           `json:"top_k" mapstructure:"top_k"`
	ClipProposals        bool          `json:"clip_proposals" mapstructure:"clip_proposals"`
	LossWeights          LossWeights   `json:"loss_weights" mapstructure:"loss_weights"`
	NumWorkers           int           `json:"num_workers" mapstructure:"num_workers"`
	// LogMode is "release", "debug" or empty to leave the process logger alone.
	LogMode string `json:"log_mode" mapstructure:"log_mode"`
}

var DefaultDetectorParams = &DetectorParams{
	AnchorList:           slices.Clone(DefaultAnchorList),
	NumClasses:           20,
	ImageSize:            [2]int{224, 224},
	FeatureSize:          [2]int{7, 7},
	TransformMode:        TransformYOLO,
	MatchStrategy:        MatchMaxIoU,
	PosThreshold:         0.7,
	NegThreshold:         0.2,
	NegativesPerPositive: 0,
	Seed:                 0,
	ConfidenceThreshold:  0.5,
	IOUThreshold:         0.7,
	TopK:                 0,
	ClipProposals:        false,
	LossWeights:          LossWeights{Conf: 1, Reg: 1, Cls: 1},
	NumWorkers:           4,
}

func NewDetectorParams(anchorList [][2]float32, numClasses int, mode TransformMode, posThreshold, negThreshold, confidenceThreshold, iouThreshold float32) *DetectorParams {
	params := *DefaultDetectorParams
	params.AnchorList = slices.Clone(anchorList)
	params.NumClasses = numClasses
	params.TransformMode = mode
	params.PosThreshold = posThreshold
	params.NegThreshold = negThreshold
	params.ConfidenceThreshold = confidenceThreshold
	params.IOUThreshold = iouThreshold
	return &params
}

// Validate reports the first invalid field.
func (p *DetectorParams) Validate() error {
	if len(p.AnchorList) == 0 {
		return errors.New("anchor_list must contain at least one (width, height) pair")
	}
	if p.NumClasses <= 0 {
		return errors.Errorf("num_classes must be positive, got %d", p.NumClasses)
	}
	if p.FeatureSize[0] <= 0 || p.FeatureSize[1] <= 0 {
		return errors.Errorf("feature_size must be positive, got %v", p.FeatureSize)
	}
	if p.ImageSize[0] <= 0 || p.ImageSize[1] <= 0 {
		return errors.Errorf("image_size must be positive, got %v", p.ImageSize)
	}
	if err := p.TransformMode.Validate(); err != nil {
		return err
	}
	if err := p.MatchStrategy.Validate(); err != nil {
		return err
	}
	if p.NegThreshold < 0 || p.NegThreshold > 1 {
		return errors.Errorf("neg_threshold must be in [0,1], got %v", p.NegThreshold)
	}
	if p.PosThreshold < p.NegThreshold {
		return errors.Errorf("pos_threshold %v must not be below neg_threshold %v", p.PosThreshold, p.NegThreshold)
	}
	if p.NegativesPerPositive < 0 {
		return errors.Errorf("negatives_per_positive must not be negative, got %v", p.NegativesPerPositive)
	}
	if p.IOUThreshold < 0 || p.IOUThreshold > 1 {
		return errors.Errorf("iou_threshold must be in [0,1], got %v", p.IOUThreshold)
	}
	if p.NumWorkers < 0 {
		return errors.Errorf("num_workers must not be negative, got %d", p.NumWorkers)
	}
	switch p.LogMode {
	case "", "release", "debug":
	default:
		return errors.Errorf("log_mode must be release or debug, got %q", p.LogMode)
	}
	return nil
}

// TritonModelParams describes a model served by Triton.
type TritonModelParams struct {
	ModelName string        `json:"model_name" mapstructure:"model_name"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
	ImageSize [2]int        `json:"image_size" mapstructure:"image_size"`
	BatchSize int           `json:"batch_size" mapstructure:"batch_size"`
}

var DefaultBackboneParams = &TritonModelParams{
	ModelName: "detector_backbone",
	Timeout:   20 * time.Second,
	ImageSize: [2]int{224, 224},
	BatchSize: 1,
}

var DefaultPredictionHeadParams = &TritonModelParams{
	ModelName: "detector_prediction_head",
	Timeout:   20 * time.Second,
	ImageSize: [2]int{7, 7},
	BatchSize: 1,
}

func NewTritonModelParams(modelName string, timeout time.Duration, imgSize [2]int, batchSize int) *TritonModelParams {
	return &TritonModelParams{
		ModelName: modelName,
		Timeout:   timeout,
		ImageSize: imgSize,
		BatchSize: batchSize,
	}
}
