package go_anchor_detector

import (
	"github.com/okieraised/go-anchor-detector/config"
	"github.com/okieraised/go-anchor-detector/modules"
	"github.com/okieraised/go-anchor-detector/utils"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/pkg/errors"
)

// NewTritonDetectorFromConfig loads detector params from configFile (or the
// default search path when empty) and ANCHORDET_* variables, initializes the
// process logger for a non-empty log_mode and builds a Triton detector.
func NewTritonDetectorFromConfig(tritonClient *gotritonclient.TritonGRPCClient, configFile string, opts ...Option) (*SingleStageDetector, error) {
	params, err := config.NewLoader().LoadWithFile(configFile)
	if err != nil {
		return nil, err
	}
	if params.LogMode != "" {
		if err := utils.InitLogger(params.LogMode); err != nil {
			return nil, errors.Wrap(err, "init logger")
		}
	}
	return NewTritonDetector(tritonClient, params, nil, nil, opts...)
}

// NewTritonDetector initializes a detector whose backbone and prediction head
// are served by Triton. Nil model params fall back to the defaults.
func NewTritonDetector(tritonClient *gotritonclient.TritonGRPCClient, params *config.DetectorParams, backboneParams, headParams *config.TritonModelParams, opts ...Option) (*SingleStageDetector, error) {
	if params == nil {
		params = config.DefaultDetectorParams
	}
	if backboneParams == nil {
		p := *config.DefaultBackboneParams
		p.ImageSize = params.ImageSize
		backboneParams = &p
	}
	if headParams == nil {
		p := *config.DefaultPredictionHeadParams
		p.ImageSize = params.FeatureSize
		headParams = &p
	}

	backbone, err := modules.NewTritonFeatureExtractor(tritonClient, backboneParams)
	if err != nil {
		return nil, err
	}

	head, err := modules.NewTritonPredictionHead(tritonClient, headParams)
	if err != nil {
		return nil, err
	}

	return NewSingleStageDetector(backbone, head, params, opts...)
}
