// Package config - the immutable run configuration of the benchmark.
//
// A Config is assembled once (defaults, then an optional YAML file, then
// command line overrides), validated, and then handed by value to every
// component constructor. Nothing in the module mutates it afterwards.
package config

import (
	"strings"

	"github.com/nvr-ai/go-yolobench/common"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Backend names an inference engine implementation.
type Backend string

const (
	BackendONNX      Backend = "onnx"
	BackendOpenCV    Backend = "opencv"
	BackendSynthetic Backend = "synthetic"
)

// ClassMode selects how raw class logits are turned into class scores.
type ClassMode string

const (
	// ClassModeIndependent applies a logistic per class (multi-label).
	ClassModeIndependent ClassMode = "independent"
	// ClassModeExclusive applies a softmax across classes, optionally with a
	// background index that never produces a candidate.
	ClassModeExclusive ClassMode = "exclusive"
)

// BatchMode selects how batch slots are filled.
type BatchMode string

const (
	// BatchReplicate copies one image into every slot.
	BatchReplicate BatchMode = "replicate"
	// BatchDistinct fills every slot with a different image from the list.
	BatchDistinct BatchMode = "distinct"
)

// NoBackground disables the background sink in exclusive mode.
const NoBackground = -1

// Anchor is a box template in network input units.
type Anchor struct {
	W float32 `yaml:"w" json:"w"`
	H float32 `yaml:"h" json:"h"`
}

// UnmarshalYAML accepts both `{w: 10, h: 13}` and the compact `[10, 13]`.
func (a *Anchor) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var pair []float32
		if err := node.Decode(&pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return errors.Errorf("line %d: anchor must have exactly 2 values, got %d", node.Line, len(pair))
		}
		a.W, a.H = pair[0], pair[1]
		return nil
	}
	type plain Anchor
	return node.Decode((*plain)(a))
}

// Scale describes one detection output of the network.
type Scale struct {
	Name    string   `yaml:"name" json:"name"`
	GridW   int      `yaml:"grid_w" json:"grid_w"`
	GridH   int      `yaml:"grid_h" json:"grid_h"`
	Anchors []Anchor `yaml:"anchors" json:"anchors"`
}

// Channels returns the channel count a raw tensor of this scale must have.
func (s Scale) Channels(classes int) int {
	return len(s.Anchors) * (5 + classes)
}

// LayerSpec attaches a plugin layer to a named engine output.
type LayerSpec struct {
	Output string             `yaml:"output" json:"output"`
	Type   string             `yaml:"type" json:"type"`
	Params map[string]float64 `yaml:"params" json:"params"`
}

// Config holds every operating parameter of a benchmark run.
type Config struct {
	Engine     Backend   `yaml:"engine"`
	Device     int       `yaml:"device"`
	BatchSize  int       `yaml:"batch_size"`
	BatchMode  BatchMode `yaml:"batch_mode"`
	Iterations int       `yaml:"iterations"`
	Warmup     int       `yaml:"warmup"`
	Workers    int       `yaml:"workers"`

	NMSThreshold  float32 `yaml:"nms_threshold"`
	ConfThreshold float32 `yaml:"conf_threshold"`

	NetWidth   int     `yaml:"net_width"`
	NetHeight  int     `yaml:"net_height"`
	InputLayer string  `yaml:"input_layer"`
	Outputs    []Scale `yaml:"outputs"`

	Classes    int       `yaml:"classes"`
	ClassMode  ClassMode `yaml:"class_mode"`
	Background int       `yaml:"background"`

	ColorOrder    string `yaml:"color_order"`
	Interpolation string `yaml:"interpolation"`

	ImageList   string `yaml:"image_list"`
	LabelFile   string `yaml:"label_file"`
	DeployFile  string `yaml:"deploy_file"`
	ModelFile   string `yaml:"model_file"`
	MeanFile    string `yaml:"mean_file"`
	Calibration string `yaml:"calibration"`
	OutputDir   string `yaml:"output_dir"`

	Provider      string      `yaml:"provider"`
	SharedLibrary string      `yaml:"shared_library"`
	Threads       int         `yaml:"threads"`
	Layers        []LayerSpec `yaml:"layers"`
}

// Default returns the YOLOv3 (VOC, 416x416) layout with darknet's usual
// thresholds. ClassMode is left empty on purpose: it has to be chosen
// explicitly by the caller.
func Default() Config {
	return Config{
		Engine:        BackendONNX,
		Device:        0,
		BatchSize:     1,
		BatchMode:     BatchReplicate,
		Iterations:    1,
		Warmup:        0,
		NMSThreshold:  0.45,
		ConfThreshold: 0.24,
		NetWidth:      416,
		NetHeight:     416,
		InputLayer:    "data",
		Outputs: []Scale{
			{Name: "conv81", GridW: 13, GridH: 13, Anchors: []Anchor{{116, 90}, {156, 198}, {373, 326}}},
			{Name: "conv93", GridW: 26, GridH: 26, Anchors: []Anchor{{30, 61}, {62, 45}, {59, 119}}},
			{Name: "conv105", GridW: 52, GridH: 52, Anchors: []Anchor{{10, 13}, {16, 30}, {33, 23}}},
		},
		Classes:       20,
		Background:    NoBackground,
		ColorOrder:    "rgb",
		Interpolation: "bilinear",
		OutputDir:     ".",
		Provider:      "cuda",
	}
}

// Int8 reports whether a calibration artifact was configured.
func (c Config) Int8() bool {
	return c.Calibration != ""
}

// OutputPrefix returns the naming prefix for prediction files.
func (c Config) OutputPrefix() string {
	if c.Int8() {
		return "predictions_int8"
	}
	return "predictions_fp32"
}

// OutputNames returns the ordered output layer names.
func (c Config) OutputNames() []string {
	names := make([]string, len(c.Outputs))
	for i, s := range c.Outputs {
		names[i] = s.Name
	}
	return names
}

// Validate checks every parameter. All failures are KindConfig errors.
func (c Config) Validate() error {
	switch c.Engine {
	case BackendONNX, BackendOpenCV, BackendSynthetic:
	default:
		return common.ConfigErrorf("unknown engine %q", c.Engine)
	}
	if c.Device < 0 {
		return common.ConfigErrorf("device index must be >= 0, got %d", c.Device)
	}
	if c.BatchSize <= 0 {
		return common.ConfigErrorf("batch size must be positive, got %d", c.BatchSize)
	}
	switch c.BatchMode {
	case BatchReplicate, BatchDistinct:
	default:
		return common.ConfigErrorf("unknown batch mode %q", c.BatchMode)
	}
	if c.Iterations <= 0 {
		return common.ConfigErrorf("iterations must be positive, got %d", c.Iterations)
	}
	if c.Warmup < 0 {
		return common.ConfigErrorf("warmup must be >= 0, got %d", c.Warmup)
	}
	if c.Workers < 0 {
		return common.ConfigErrorf("workers must be >= 0, got %d", c.Workers)
	}
	if c.NMSThreshold <= 0 || c.NMSThreshold > 1 {
		return common.ConfigErrorf("nms threshold must be in (0, 1], got %v", c.NMSThreshold)
	}
	if c.ConfThreshold <= 0 || c.ConfThreshold > 1 {
		return common.ConfigErrorf("confidence threshold must be in (0, 1], got %v", c.ConfThreshold)
	}
	if c.NetWidth <= 0 || c.NetHeight <= 0 {
		return common.ConfigErrorf("network size must be positive, got %dx%d", c.NetWidth, c.NetHeight)
	}
	if strings.TrimSpace(c.InputLayer) == "" {
		return common.ConfigErrorf("input layer name is required")
	}
	if err := c.validateOutputs(); err != nil {
		return err
	}
	if c.Classes <= 0 {
		return common.ConfigErrorf("class count must be positive, got %d", c.Classes)
	}
	switch c.ClassMode {
	case ClassModeIndependent:
		if c.Background != NoBackground {
			return common.ConfigErrorf("background index is only valid in %s mode", ClassModeExclusive)
		}
	case ClassModeExclusive:
		if c.Background != NoBackground && (c.Background < 0 || c.Background >= c.Classes) {
			return common.ConfigErrorf("background index %d out of range [0, %d)", c.Background, c.Classes)
		}
	case "":
		return common.ConfigErrorf("class mode must be set explicitly (%s or %s)", ClassModeIndependent, ClassModeExclusive)
	default:
		return common.ConfigErrorf("unknown class mode %q", c.ClassMode)
	}
	switch c.ColorOrder {
	case "rgb", "bgr":
	default:
		return common.ConfigErrorf("unknown color order %q", c.ColorOrder)
	}
	if _, ok := Interpolations[c.Interpolation]; !ok {
		return common.ConfigErrorf("unknown interpolation %q", c.Interpolation)
	}
	if c.ImageList == "" {
		return common.ConfigErrorf("image list file is required")
	}
	if c.LabelFile == "" {
		return common.ConfigErrorf("label file is required")
	}
	switch c.Engine {
	case BackendONNX:
		if c.ModelFile == "" {
			return common.ConfigErrorf("model file is required for the %s engine", c.Engine)
		}
	case BackendOpenCV:
		if c.ModelFile == "" || c.DeployFile == "" {
			return common.ConfigErrorf("deploy and model files are required for the %s engine", c.Engine)
		}
	}
	switch c.Provider {
	case "cpu", "cuda", "tensorrt":
	default:
		return common.ConfigErrorf("unknown execution provider %q", c.Provider)
	}
	if c.Threads < 0 {
		return common.ConfigErrorf("threads must be >= 0, got %d", c.Threads)
	}
	return c.validateLayers()
}

func (c Config) validateOutputs() error {
	if len(c.Outputs) == 0 {
		return common.ConfigErrorf("at least one output scale is required")
	}
	seen := make(map[string]bool, len(c.Outputs))
	for i, s := range c.Outputs {
		if s.Name == "" {
			return common.ConfigErrorf("output %d has no name", i)
		}
		if seen[s.Name] {
			return common.ConfigErrorf("duplicate output name %q", s.Name)
		}
		seen[s.Name] = true
		if s.GridW <= 0 || s.GridH <= 0 {
			return common.ConfigErrorf("output %q: grid must be positive, got %dx%d", s.Name, s.GridW, s.GridH)
		}
		if len(s.Anchors) == 0 {
			return common.ConfigErrorf("output %q: at least one anchor is required", s.Name)
		}
		for j, a := range s.Anchors {
			if a.W <= 0 || a.H <= 0 {
				return common.ConfigErrorf("output %q: anchor %d must be positive, got %vx%v", s.Name, j, a.W, a.H)
			}
		}
	}
	return nil
}

func (c Config) validateLayers() error {
	names := make(map[string]bool, len(c.Outputs))
	for _, s := range c.Outputs {
		names[s.Name] = true
	}
	for i, l := range c.Layers {
		if l.Type == "" {
			return common.ConfigErrorf("layer %d has no type", i)
		}
		if !names[l.Output] {
			return common.ConfigErrorf("layer %d (%s) targets unknown output %q", i, l.Type, l.Output)
		}
	}
	return nil
}
