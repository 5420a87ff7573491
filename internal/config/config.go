package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration. It is loaded once per process
// run and treated as read-only afterwards.
type Config struct {
	Paths   PathsConfig   `json:"paths" yaml:"paths"`
	Rescale RescaleConfig `json:"rescale" yaml:"rescale"`
	Crop    CropConfig    `json:"crop" yaml:"crop"`
	Augment AugmentConfig `json:"augment" yaml:"augment"`
	Train   TrainConfig   `json:"train" yaml:"train"`
	Review  ReviewConfig  `json:"review" yaml:"review"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// PathsConfig holds the dataset and model locations. Relative paths are
// resolved against ProjectRoot.
type PathsConfig struct {
	ProjectRoot string `json:"project_root" yaml:"project_root"`
	RawImages   string `json:"raw_images" yaml:"raw_images"`
	Annotations string `json:"annotations" yaml:"annotations"`
	Crops       string `json:"crops" yaml:"crops"`
	Augmented   string `json:"augmented" yaml:"augmented"`
	Dataloader  string `json:"dataloader" yaml:"dataloader"`
	Checkpoints string `json:"checkpoints" yaml:"checkpoints"`
	Plots       string `json:"plots" yaml:"plots"`
}

// RescaleConfig holds the target resolution for bounding boxes
type RescaleConfig struct {
	TargetWidth  int    `json:"target_width" yaml:"target_width"`
	TargetHeight int    `json:"target_height" yaml:"target_height"`
	Policy       string `json:"policy" yaml:"policy"` // uniform | per-row
}

// CropConfig holds output settings for per-class crops
type CropConfig struct {
	Format  string `json:"format" yaml:"format"`
	Quality int    `json:"quality" yaml:"quality"`
}

// AugmentStep describes one stochastic transform of the augmentation pipeline.
type AugmentStep struct {
	Type  string  `json:"type" yaml:"type"`
	P     float64 `json:"p" yaml:"p"`
	Limit float64 `json:"limit,omitempty" yaml:"limit,omitempty"`
	Min   float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max   float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// AugmentConfig holds settings for static augmentation
type AugmentConfig struct {
	NumAugmentations int           `json:"num_augmentations" yaml:"num_augmentations"`
	Seed             int64         `json:"seed" yaml:"seed"`
	Format           string        `json:"format" yaml:"format"`
	Quality          int           `json:"quality" yaml:"quality"`
	Classes          []string      `json:"classes,omitempty" yaml:"classes,omitempty"`
	Pipeline         []AugmentStep `json:"pipeline,omitempty" yaml:"pipeline,omitempty"`
}

// TrainConfig holds the classifier training settings
type TrainConfig struct {
	ModelName         string  `json:"model_name" yaml:"model_name"`
	ImageHeight       int     `json:"image_height" yaml:"image_height"`
	ImageWidth        int     `json:"image_width" yaml:"image_width"`
	BatchSize         int     `json:"batch_size" yaml:"batch_size"`
	Epochs            int     `json:"epochs" yaml:"epochs"`
	LearningRate      float64 `json:"learning_rate" yaml:"learning_rate"`
	ValidationSplit   float64 `json:"validation_split" yaml:"validation_split"`
	Seed              int64   `json:"seed" yaml:"seed"`
	RuntimeAugment    bool    `json:"runtime_augment" yaml:"runtime_augment"`
	EarlyStopPatience int     `json:"early_stop_patience" yaml:"early_stop_patience"`
	EarlyStopMinDelta float64 `json:"early_stop_min_delta" yaml:"early_stop_min_delta"`
	LRFactor          float64 `json:"lr_factor" yaml:"lr_factor"`
	LRPatience        int     `json:"lr_patience" yaml:"lr_patience"`
	CSVLog            bool    `json:"csv_log" yaml:"csv_log"`
}

// ReviewConfig holds the vision model settings for crop label review
type ReviewConfig struct {
	Backend string `json:"backend" yaml:"backend"` // ollama | llamacpp
	URL     string `json:"url" yaml:"url"`
	Model   string `json:"model" yaml:"model"`
	Sample  int    `json:"sample" yaml:"sample"`
	MaxSide int    `json:"max_side" yaml:"max_side"`
	Quality int    `json:"quality" yaml:"quality"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text | json
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			ProjectRoot: ".",
			RawImages:   "data/raw",
			Annotations: "data/annotations/annotations.csv",
			Crops:       "data/processed/crops",
			Augmented:   "data/processed/augmented",
			Dataloader:  "data/dataloader",
			Checkpoints: "models",
			Plots:       "models/plots",
		},
		Rescale: RescaleConfig{
			TargetWidth:  224,
			TargetHeight: 224,
			Policy:       "uniform",
		},
		Crop: CropConfig{
			Format:  "jpg",
			Quality: 90,
		},
		Augment: AugmentConfig{
			NumAugmentations: 2,
			Format:           "jpg",
			Quality:          90,
		},
		Train: TrainConfig{
			ModelName:         "baseline_model",
			ImageHeight:       224,
			ImageWidth:        224,
			BatchSize:         32,
			Epochs:            30,
			LearningRate:      0.0001,
			ValidationSplit:   0.2,
			Seed:              42,
			EarlyStopPatience: 3,
			LRFactor:          0.5,
			LRPatience:        2,
			CSVLog:            true,
		},
		Review: ReviewConfig{
			Backend: "ollama",
			Model:   "openbmb/minicpm-v4.5",
			Sample:  5,
			MaxSide: 768,
			Quality: 85,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file. Values missing
// from the file keep their defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	return config, nil
}

// Load reads the optional config file, applies .env and environment
// overrides, resolves paths and validates the result.
func Load(filename string) (*Config, error) {
	config := Default()
	if filename != "" {
		var err error
		if config, err = LoadFromFile(filename); err != nil {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()
	config.ApplyEnv()
	config.ResolvePaths()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides paths and log level from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("BBOX_PROJECT_ROOT"); v != "" {
		c.Paths.ProjectRoot = v
	}
	if v := os.Getenv("BBOX_DATA_DIR"); v != "" {
		c.Paths.RawImages = filepath.Join(v, "raw")
		c.Paths.Annotations = filepath.Join(v, "annotations", "annotations.csv")
		c.Paths.Crops = filepath.Join(v, "processed", "crops")
		c.Paths.Augmented = filepath.Join(v, "processed", "augmented")
		c.Paths.Dataloader = filepath.Join(v, "dataloader")
	}
	if v := os.Getenv("BBOX_MODELS_DIR"); v != "" {
		c.Paths.Checkpoints = v
		c.Paths.Plots = filepath.Join(v, "plots")
	}
	if v := os.Getenv("BBOX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ResolvePaths makes every relative path absolute against the project root.
func (c *Config) ResolvePaths() {
	root := c.Paths.ProjectRoot
	if root == "" {
		root = "."
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	c.Paths.ProjectRoot = root

	for _, p := range []*string{
		&c.Paths.RawImages,
		&c.Paths.Annotations,
		&c.Paths.Crops,
		&c.Paths.Augmented,
		&c.Paths.Dataloader,
		&c.Paths.Checkpoints,
		&c.Paths.Plots,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
}

// SaveToFile saves configuration to a JSON or YAML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Rescale.TargetWidth < 1 || c.Rescale.TargetHeight < 1 {
		return errors.New("rescale target size must be positive")
	}

	switch c.Rescale.Policy {
	case "", "uniform", "per-row":
	default:
		return errors.Errorf("rescale.policy must be uniform or per-row, got %q", c.Rescale.Policy)
	}

	if c.Crop.Quality < 1 || c.Crop.Quality > 100 {
		return errors.New("crop.quality must be between 1 and 100")
	}

	if c.Augment.Quality < 1 || c.Augment.Quality > 100 {
		return errors.New("augment.quality must be between 1 and 100")
	}

	if c.Augment.NumAugmentations < 1 {
		return errors.New("augment.num_augmentations must be positive")
	}

	for i, step := range c.Augment.Pipeline {
		if step.P < 0 || step.P > 1 {
			return errors.Errorf("augment.pipeline[%d].p must be between 0 and 1", i)
		}
	}

	if c.Train.ImageHeight < 1 || c.Train.ImageWidth < 1 {
		return errors.New("train image size must be positive")
	}

	if c.Train.BatchSize < 1 {
		return errors.New("train.batch_size must be positive")
	}

	if c.Train.Epochs < 1 {
		return errors.New("train.epochs must be positive")
	}

	if c.Train.LearningRate <= 0 {
		return errors.New("train.learning_rate must be positive")
	}

	if c.Train.ValidationSplit < 0 || c.Train.ValidationSplit >= 1 {
		return errors.New("train.validation_split must be in [0, 1)")
	}

	if c.Train.LRFactor <= 0 || c.Train.LRFactor >= 1 {
		return errors.New("train.lr_factor must be in (0, 1)")
	}

	switch c.Review.Backend {
	case "ollama", "llamacpp":
	default:
		return errors.Errorf("review.backend must be ollama or llamacpp, got %q", c.Review.Backend)
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "bbox-classifier", "config.json")
}

// ConfigPath picks the file Load should read: the explicit path when set,
// otherwise GetConfigPath if that file exists, otherwise none.
func ConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := GetConfigPath(); fileExists(p) {
		return p
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
