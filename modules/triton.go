package modules

import (
	"github.com/okieraised/go-anchor-detector/config"
	"github.com/okieraised/go-anchor-detector/utils"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/okieraised/go-triton-client/triton_proto"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"gorgonia.org/tensor"
)

// NewTritonClient dials a Triton Inference Server over plaintext gRPC.
func NewTritonClient(url string) (*gotritonclient.TritonGRPCClient, error) {
	client, err := gotritonclient.NewTritonGRPCClient(
		url,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{PermitWithoutStream: true}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to triton at %s", url)
	}
	return client, nil
}

// tritonModel runs a single-input, single-output model in fixed-size batches.
type tritonModel struct {
	tritonClient *gotritonclient.TritonGRPCClient
	ModelParams  *config.TritonModelParams
	ModelConfig  *triton_proto.ModelConfigResponse
}

func newTritonModel(tritonClient *gotritonclient.TritonGRPCClient, cfg *config.TritonModelParams) (*tritonModel, error) {
	if tritonClient == nil {
		return nil, errors.New("triton client must not be nil")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}

	modelConfig, err := tritonClient.GetModelConfiguration(cfg.Timeout, cfg.ModelName, "")
	if err != nil {
		return nil, errors.Wrapf(err, "get configuration of model %s", cfg.ModelName)
	}
	if len(modelConfig.Config.Input) == 0 {
		return nil, errors.Errorf("model %s declares no inputs", cfg.ModelName)
	}

	return &tritonModel{
		tritonClient: tritonClient,
		ModelParams:  cfg,
		ModelConfig:  modelConfig,
	}, nil
}

// infer sends input in chunks of BatchSize along axis 0 and stitches the first
// output of every chunk back into one tensor.
func (m *tritonModel) infer(input *tensor.Dense) (*tensor.Dense, error) {
	shape := input.Shape()
	if len(shape) < 2 {
		return nil, errors.Wrapf(utils.ErrShapeMismatch, "model %s: input must be batched, got shape %v", m.ModelParams.ModelName, shape)
	}
	data, err := utils.Float32Data(input)
	if err != nil {
		return nil, err
	}

	inputCfg := m.ModelConfig.Config.Input[0]
	rowSize := shape.TotalSize() / shape[0]

	var (
		outData  []float32
		outShape []int
	)
	for i := 0; i < shape[0]; i += m.ModelParams.BatchSize {
		end := min(i+m.ModelParams.BatchSize, shape[0])

		batchShape := make([]int64, len(shape))
		batchShape[0] = int64(end - i)
		for j := 1; j < len(shape); j++ {
			batchShape[j] = int64(shape[j])
		}

		modelRequest := &triton_proto.ModelInferRequest{
			ModelName: m.ModelParams.ModelName,
			Inputs: []*triton_proto.ModelInferRequest_InferInputTensor{
				{
					Name:     inputCfg.Name,
					Datatype: inputCfg.DataType.String()[5:],
					Shape:    batchShape,
					Contents: &triton_proto.InferTensorContents{
						Fp32Contents: data[i*rowSize : end*rowSize],
					},
				},
			},
		}

		inferResp, err := m.tritonClient.ModelGRPCInfer(m.ModelParams.Timeout, modelRequest)
		if err != nil {
			return nil, errors.Wrapf(err, "model %s: infer rows [%d, %d)", m.ModelParams.ModelName, i, end)
		}
		if len(inferResp.Outputs) == 0 || len(inferResp.RawOutputContents) == 0 {
			return nil, errors.Errorf("model %s returned no outputs", m.ModelParams.ModelName)
		}

		chunk, err := utils.BytesToFloat32s(inferResp.RawOutputContents[0])
		if err != nil {
			return nil, errors.Wrapf(err, "model %s: decode output", m.ModelParams.ModelName)
		}
		chunkShape := make([]int, 0, len(inferResp.Outputs[0].Shape))
		for _, s := range inferResp.Outputs[0].Shape {
			chunkShape = append(chunkShape, int(s))
		}
		if outShape == nil {
			outShape = chunkShape
		} else {
			outShape[0] += chunkShape[0]
		}
		outData = append(outData, chunk...)
	}

	if len(outData) != tensor.Shape(outShape).TotalSize() {
		return nil, errors.Wrapf(utils.ErrShapeMismatch, "model %s: %d output values for shape %v", m.ModelParams.ModelName, len(outData), outShape)
	}
	return utils.FromFloat32s(outData, outShape...), nil
}

// TritonFeatureExtractor serves the backbone, (B, 3, H, W) -> (B, F, h, w).
type TritonFeatureExtractor struct {
	*tritonModel
}

func NewTritonFeatureExtractor(tritonClient *gotritonclient.TritonGRPCClient, cfg *config.TritonModelParams) (*TritonFeatureExtractor, error) {
	model, err := newTritonModel(tritonClient, cfg)
	if err != nil {
		return nil, err
	}
	return &TritonFeatureExtractor{tritonModel: model}, nil
}

func (c *TritonFeatureExtractor) Extract(images *tensor.Dense) (*tensor.Dense, error) {
	if err := utils.CheckShape(images, "images", utils.Any, 3, c.ModelParams.ImageSize[1], c.ModelParams.ImageSize[0]); err != nil {
		return nil, err
	}
	return c.infer(images)
}

// ExtractMats batches OpenCV images at the model input size and runs the backbone.
func (c *TritonFeatureExtractor) ExtractMats(imgs []gocv.Mat) (*tensor.Dense, error) {
	images, err := utils.MatsToTensor(imgs, c.ModelParams.ImageSize)
	if err != nil {
		return nil, err
	}
	return c.infer(images)
}

// TritonPredictionHead serves the prediction head, (B, F, h, w) -> (B, 5A+C, h, w).
type TritonPredictionHead struct {
	*tritonModel
}

func NewTritonPredictionHead(tritonClient *gotritonclient.TritonGRPCClient, cfg *config.TritonModelParams) (*TritonPredictionHead, error) {
	model, err := newTritonModel(tritonClient, cfg)
	if err != nil {
		return nil, err
	}
	return &TritonPredictionHead{tritonModel: model}, nil
}

func (c *TritonPredictionHead) Predict(features *tensor.Dense) (*tensor.Dense, error) {
	if err := utils.CheckShape(features, "features", utils.Any, utils.Any, c.ModelParams.ImageSize[1], c.ModelParams.ImageSize[0]); err != nil {
		return nil, err
	}
	return c.infer(features)
}
