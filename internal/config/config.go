package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/deepswap/internal/media"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSwapperModelURL  = "https://github.com/facefusion/facefusion-assets/releases/download/models/inswapper_128.onnx"
	DefaultRestorerModelURL = "https://github.com/facefusion/facefusion-assets/releases/download/models/GFPGANv1.4.pth"
)

// Config is the snapshot of run parameters. It is built once before a run and
// handed to every component by value, so nothing can change it mid-run.
type Config struct {
	SourceFaceImage string `yaml:"source_face_image_file"`
	InputFile       string `yaml:"input_file"`
	OutputFile      string `yaml:"output_file"`

	RestoreFace          bool `yaml:"restore_face"`
	ProcessEveryFace     bool `yaml:"process_every_face"`
	ProcessVideoInMemory bool `yaml:"process_video_in_memory"`

	ReferenceFacePosition int     `yaml:"reference_face_position"`
	ReferenceFrameTime    int     `yaml:"reference_frame_time"` // milliseconds, negative means re-derive per frame
	SimilarFaceDistance   float64 `yaml:"similar_face_distance"`
	DetectionThreshold    float64 `yaml:"detection_threshold"`

	ExecutionProvider string        `yaml:"execution_provider"`
	ModelDir          string        `yaml:"model_dir"`
	SwapperModelURL   string        `yaml:"face_swapper_model_url"`
	RestorerModelURL  string        `yaml:"face_restorer_model_url"`
	WorkerScript      string        `yaml:"worker_script"`
	WorkerTimeout     time.Duration `yaml:"worker_timeout"`

	Debug bool `yaml:"debug"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		ReferenceFacePosition: 0,
		ReferenceFrameTime:    -1,
		SimilarFaceDistance:   0.85,
		DetectionThreshold:    0.5,
		ExecutionProvider:     "CPUExecutionProvider",
		ModelDir:              "./model",
		SwapperModelURL:       DefaultSwapperModelURL,
		RestorerModelURL:      DefaultRestorerModelURL,
		WorkerScript:          "python/worker.py",
		WorkerTimeout:         60 * time.Second,
	}
}

// Load layers the environment and an optional YAML file over the defaults.
// An empty path skips the file.
func Load(file string) (Config, error) {
	cfg := Default()

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", file, err)
		}
	}

	if v := os.Getenv("DEEPSWAP_MODEL_DIR"); v != "" {
		cfg.ModelDir = v
	}
	if v := os.Getenv("DEEPSWAP_EXECUTION_PROVIDER"); v != "" {
		cfg.ExecutionProvider = v
	}
	if v := os.Getenv("DEEPSWAP_WORKER_SCRIPT"); v != "" {
		cfg.WorkerScript = v
	}
	return cfg, nil
}

// SwapperModelPath is where the swap model is kept inside ModelDir.
func (c Config) SwapperModelPath() string {
	return filepath.Join(c.ModelDir, path.Base(c.SwapperModelURL))
}

// RestorerModelPath is where the restoration model is kept inside ModelDir.
func (c Config) RestorerModelPath() string {
	return filepath.Join(c.ModelDir, path.Base(c.RestorerModelURL))
}

// HasReferenceFrame reports whether the reference face is fixed to one frame of the video.
func (c Config) HasReferenceFrame() bool {
	return c.ReferenceFrameTime >= 0
}

// WithDerivedOutput fills OutputFile from the input name when it was not given.
func (c Config) WithDerivedOutput() Config {
	if c.OutputFile == "" {
		c.OutputFile = DeriveOutputPath(c.InputFile, c.RestoreFace)
	}
	return c
}

// DeriveOutputPath names the result after the input: clip.mp4 -> clip-swapped.mp4,
// or clip-swapped-restored.mp4 when restoration is on.
func DeriveOutputPath(input string, restore bool) string {
	postfix := "swapped"
	if restore {
		postfix = "swapped-restored"
	}
	ext := filepath.Ext(input)
	stem := strings.TrimSuffix(input, ext)
	return fmt.Sprintf("%s-%s%s", stem, postfix, ext)
}

// ValidationError reports a configuration problem found before any processing starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the configuration. OutputFile must already be set (see WithDerivedOutput).
func (c Config) Validate() error {
	if err := checkFile("source face image", c.SourceFaceImage); err != nil {
		return err
	}
	if !media.IsImage(c.SourceFaceImage) {
		return invalid("source face image", "%s is not an image", c.SourceFaceImage)
	}

	if err := checkFile("input file", c.InputFile); err != nil {
		return err
	}
	isImage, isVideo := media.IsImage(c.InputFile), media.IsVideo(c.InputFile)
	if !isImage && !isVideo {
		return invalid("input file", "%s is not an image or video", c.InputFile)
	}

	if c.OutputFile == "" {
		return invalid("output file", "path is empty")
	}
	if fileExists(c.OutputFile) {
		return invalid("output file", "%s already exists", c.OutputFile)
	}
	inAbs, _ := filepath.Abs(c.InputFile)
	outAbs, _ := filepath.Abs(c.OutputFile)
	if inAbs == outAbs {
		return invalid("output file", "input and output paths must be different")
	}
	if isVideo {
		if mixed := media.MixedOutputPath(c.OutputFile); fileExists(mixed) {
			return invalid("output file", "%s already exists", mixed)
		}
	}
	if isImage && !media.CanWriteImage(c.OutputFile) {
		return invalid("output file", "cannot encode images with extension %q", filepath.Ext(c.OutputFile))
	}

	if c.SimilarFaceDistance <= 0 {
		return invalid("similar face distance", "must be > 0, got %f", c.SimilarFaceDistance)
	}
	if c.DetectionThreshold <= 0 || c.DetectionThreshold > 1.0 {
		return invalid("detection threshold", "must be between 0.0 and 1.0, got %f", c.DetectionThreshold)
	}
	if c.WorkerTimeout <= 0 {
		return invalid("worker timeout", "must be positive, got %s", c.WorkerTimeout)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func checkFile(field, path string) error {
	if path == "" {
		return invalid(field, "path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return invalid(field, "%s does not exist", path)
		}
		return invalid(field, "unable to access %s: %v", path, err)
	}
	if info.IsDir() {
		return invalid(field, "%s is a directory", path)
	}
	return nil
}
