package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "detector"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "ANCHORDET"
)

// Loader reads DetectorParams from a YAML file and ANCHORDET_* environment
// variables on top of DefaultDetectorParams.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// Load searches the working directory and $HOME/.anchordet for detector.yaml.
// A missing file is not an error.
func (l *Loader) Load() (*DetectorParams, error) {
	l.v.SetConfigName(ConfigFileName)
	l.v.SetConfigType("yaml")
	l.v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		l.v.AddConfigPath(filepath.Join(home, ".anchordet"))
	}

	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}

	return l.unmarshal()
}

// LoadWithFile loads configuration from a specific file path.
func (l *Loader) LoadWithFile(configFile string) (*DetectorParams, error) {
	if configFile == "" {
		return l.Load()
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil, errors.Errorf("config file does not exist: %s", configFile)
	}

	l.v.SetConfigFile(configFile)
	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "error reading config file %s", configFile)
	}

	return l.unmarshal()
}

func (l *Loader) unmarshal() (*DetectorParams, error) {
	var params DetectorParams
	if err := l.v.Unmarshal(&params); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}

	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return &params, nil
}

func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
}

func (l *Loader) setDefaults() {
	d := DefaultDetectorParams
	l.v.SetDefault("anchor_list", slices.Clone(d.AnchorList))
	l.v.SetDefault("num_classes", d.NumClasses)
	l.v.SetDefault("image_size", d.ImageSize)
	l.v.SetDefault("feature_size", d.FeatureSize)
	l.v.SetDefault("transform_mode", string(d.TransformMode))
	l.v.SetDefault("match_strategy", string(d.MatchStrategy))
	l.v.SetDefault("pos_threshold", d.PosThreshold)
	l.v.SetDefault("neg_threshold", d.NegThreshold)
	l.v.SetDefault("negatives_per_positive", d.NegativesPerPositive)
	l.v.SetDefault("seed", d.Seed)
	l.v.SetDefault("confidence_threshold", d.ConfidenceThreshold)
	l.v.SetDefault("iou_threshold", d.IOUThreshold)
	l.v.SetDefault("top_k", d.TopK)
	l.v.SetDefault("clip_proposals", d.ClipProposals)
	l.v.SetDefault("loss_weights.conf", d.LossWeights.Conf)
	l.v.SetDefault("loss_weights.reg", d.LossWeights.Reg)
	l.v.SetDefault("loss_weights.cls", d.LossWeights.Cls)
	l.v.SetDefault("num_workers", d.NumWorkers)
	l.v.SetDefault("log_mode", d.LogMode)
}
