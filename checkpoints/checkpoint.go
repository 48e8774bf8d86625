package checkpoints

import (
	"encoding/json"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/larworkshop/nuvision/layers"
)

const (
	framework = "nuvision"
	version   = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// Extension is the file extension written for the format.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatONNX:
		return ".onnx"
	default:
		return ".json"
	}
}

// Checkpoint is a model architecture, its weights, and where training
// stood when they were taken.
type Checkpoint struct {
	ModelSpec     *layers.ModelSpec  `json:"model_spec"`
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "gamma" or "beta"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int       `json:"epoch"`
	Step         int       `json:"step"`
	LearningRate float32   `json:"learning_rate"`
	BestLoss     float32   `json:"best_loss"`
	BestAccuracy float32   `json:"best_accuracy"`
	TotalSteps   int       `json:"total_steps"`
	ClassWeights []float64 `json:"class_weights,omitempty"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	RunID       string    `json:"run_id"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// NewCheckpoint captures the current weights of m. Every checkpoint gets
// a fresh run id.
func NewCheckpoint(m *layers.Model, state TrainingState) (*Checkpoint, error) {
	weights, err := ExtractWeights(m)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		ModelSpec:     m.Spec,
		Weights:       weights,
		TrainingState: state,
		Metadata: CheckpointMetadata{
			RunID:     uuid.NewString(),
			Version:   version,
			Framework: framework,
			CreatedAt: time.Now().UTC(),
		},
	}, nil
}

// Model rebuilds a model from the checkpoint's spec and weights.
func (c *Checkpoint) Model() (*layers.Model, error) {
	if c.ModelSpec == nil {
		return nil, errors.New("checkpoint has no model spec")
	}
	spec, err := c.ModelSpec.Recompile()
	if err != nil {
		return nil, errors.Wrap(err, "recompiling model spec")
	}
	m, err := layers.NewModel(spec, nil)
	if err != nil {
		return nil, err
	}
	if err := LoadWeights(m, c.Weights); err != nil {
		return nil, err
	}
	return m, nil
}

// SaveModel writes the state of m to filename + ".json" and returns the
// path written.
func SaveModel(m *layers.Model, filename string) (string, error) {
	c, err := NewCheckpoint(m, TrainingState{})
	if err != nil {
		return "", err
	}
	path := filename + FormatJSON.Extension()
	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(c, path); err != nil {
		return "", err
	}
	return path, nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = framework
		checkpoint.Metadata.Version = version
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = uuid.NewString()
	}

	var err error
	switch cs.format {
	case FormatJSON:
		err = cs.saveJSON(checkpoint, path)
	case FormatONNX:
		err = saveONNX(checkpoint, path)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return err
	}

	log.Info().
		Str("path", path).
		Str("format", cs.format.String()).
		Str("run_id", checkpoint.Metadata.RunID).
		Int("tensors", len(checkpoint.Weights)).
		Msg("checkpoint saved")
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return loadONNX(path)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return file.Close()
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return &checkpoint, nil
}

// ExtractWeights copies the parameters of m in layer order.
func ExtractWeights(m *layers.Model) ([]WeightTensor, error) {
	if m == nil || m.Spec == nil {
		return nil, errors.New("nil model")
	}

	var weights []WeightTensor
	for _, layerSpec := range m.Spec.Layers {
		for i, name := range layerSpec.ParameterNames {
			p := m.Param(name)
			if p == nil {
				return nil, errors.Errorf("model has no parameter %s", name)
			}
			weights = append(weights, WeightTensor{
				Name:  name,
				Shape: append([]int(nil), p.Shape...),
				Data:  append([]float32(nil), p.Data...),
				Layer: layerSpec.Name,
				Type:  weightType(layerSpec.Type, i),
			})
		}
	}
	return weights, nil
}

func weightType(lt layers.LayerType, index int) string {
	if lt == layers.BatchNorm {
		return [...]string{"gamma", "beta"}[index]
	}
	return [...]string{"weight", "bias"}[index]
}

// splitName splits "conv1.weight" into its layer and suffix.
func splitName(name string) (layer, suffix string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}

// LoadWeights copies weights into the parameters of m by name. Every
// parameter of m must be present with a matching shape.
func LoadWeights(m *layers.Model, weights []WeightTensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, p := range m.Params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("missing weight %s", p.Name)
		}
		if !slices.Equal(w.Shape, p.Shape) {
			return errors.Errorf("shape mismatch for weight %s: model %v vs checkpoint %v", p.Name, p.Shape, w.Shape)
		}
		if len(w.Data) != len(p.Data) {
			return errors.Errorf("weight %s has %d values, want %d", p.Name, len(w.Data), len(p.Data))
		}
		copy(p.Data, w.Data)
	}
	if len(byName) != len(m.Params) {
		log.Warn().Int("checkpoint", len(byName)).Int("model", len(m.Params)).Msg("checkpoint has unused weights")
	}
	return nil
}
