package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	MaxPool2D
	Dropout
	BatchNorm
	LeakyReLU
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case LeakyReLU:
		return "LeakyReLU"
	default:
		return "Unknown"
	}
}

// LayerSpec is the configuration of one layer. Shapes and parameter
// metadata are filled in by Compile.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// ParameterNames and ParameterShapes are aligned, e.g. "conv1.weight"
	// with [out, in, k, k] followed by "conv1.bias" with [out].
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a builder for inputs of the given shape,
// [batch, channels, height, width] for image models.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddDense adds a fully connected layer. Inputs with more than two
// dimensions are flattened.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a square kernel convolution.
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddLeakyReLU adds a Leaky ReLU activation to the model
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	})
}

// AddMaxPool2D adds max pooling with a square window.
func (mb *ModelBuilder) AddMaxPool2D(kernelSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
		},
	})
}

// AddBatchNorm adds batch normalisation over the channel dimension.
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps float32, momentum float32, affine bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"momentum":     momentum,
			"affine":       affine,
		},
	})
}

// AddDropout adds a Dropout layer to the model
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddSoftmax adds a Softmax activation to the model
func (mb *ModelBuilder) AddSoftmax(axis int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": axis,
		},
	})
}

// Compile computes shapes and parameter metadata of every layer.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errors.New("cannot compile empty model")
	}
	return compile(mb.layers, mb.inputShape, &mb.compiled)
}

// Recompile recomputes the shapes of a decoded spec. Numeric layer
// parameters may be float64 after a JSON round trip.
func (ms *ModelSpec) Recompile() (*ModelSpec, error) {
	if len(ms.Layers) == 0 {
		return nil, errors.New("cannot compile empty model")
	}
	return compile(ms.Layers, ms.InputShape, nil)
}

func compile(layers []LayerSpec, inputShape []int, done *bool) (*ModelSpec, error) {
	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(layers)),
		InputShape: append([]int(nil), inputShape...),
	}

	seen := make(map[string]bool, len(layers))
	currentShape := model.InputShape
	for i := range layers {
		layer := layers[i]
		// the builder's maps stay untouched by compilation
		params := make(map[string]interface{}, len(layer.Parameters))
		for k, v := range layer.Parameters {
			params[k] = v
		}
		layer.Parameters = params

		if layer.Name == "" {
			layer.Name = fmt.Sprintf("%s%d", strings.ToLower(layer.Type.String()), i)
		}
		if seen[layer.Name] {
			return nil, errors.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true

		layer.InputShape = append([]int(nil), currentShape...)
		outputShape, paramShapes, err := layerInfo(&layer, currentShape)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d (%s)", i, layer.Name)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterNames = parameterNames(layer, len(paramShapes))
		layer.ParameterCount = 0
		for _, s := range paramShapes {
			layer.ParameterCount += int64(shapeSize(s))
		}

		model.Layers[i] = layer
		model.ParameterShapes = append(model.ParameterShapes, paramShapes...)
		model.TotalParameters += layer.ParameterCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.Compiled = true
	if done != nil {
		*done = true
	}
	return model, nil
}

func parameterNames(layer LayerSpec, n int) []string {
	if n == 0 {
		return nil
	}
	names := []string{layer.Name + ".weight"}
	if n > 1 {
		names = append(names, layer.Name+".bias")
	}
	return names
}

func layerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, error) {
	switch layer.Type {
	case Dense:
		return denseInfo(layer, inputShape)
	case Conv2D:
		return conv2DInfo(layer, inputShape)
	case MaxPool2D:
		return maxPoolInfo(layer, inputShape)
	case BatchNorm:
		return batchNormInfo(layer, inputShape)
	case ReLU, Softmax, Dropout, LeakyReLU:
		return append([]int(nil), inputShape...), nil, nil
	default:
		return nil, nil, errors.Errorf("unsupported layer type: %s", layer.Type)
	}
}

func denseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, error) {
	if len(inputShape) < 2 {
		return nil, nil, errors.New("dense layer requires at least 2D input")
	}
	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, errors.New("missing output_size parameter")
	}

	inputSize := shapeSize(inputShape[1:])
	layer.Parameters["input_size"] = inputSize

	// weights follow the [out, in] layout of a linear layer's state
	shapes := [][]int{{outputSize, inputSize}}
	if getBoolParam(layer.Parameters, "use_bias", true) {
		shapes = append(shapes, []int{outputSize})
	}
	return []int{inputShape[0], outputSize}, shapes, nil
}

func conv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, error) {
	if len(inputShape) != 4 {
		return nil, nil, errors.New("Conv2D layer requires 4D input [batch, channels, height, width]")
	}
	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	if outputChannels <= 0 || kernelSize <= 0 {
		return nil, nil, errors.New("missing output_channels or kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	if stride <= 0 {
		return nil, nil, errors.Errorf("invalid stride %d", stride)
	}
	padding := getIntParam(layer.Parameters, "padding", 0)

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputShape[2]+2*padding-kernelSize)/stride + 1
	outputWidth := (inputShape[3]+2*padding-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, errors.Errorf("kernel %d does not fit input %v", kernelSize, inputShape)
	}

	shapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	if getBoolParam(layer.Parameters, "use_bias", true) {
		shapes = append(shapes, []int{outputChannels})
	}
	return []int{inputShape[0], outputChannels, outputHeight, outputWidth}, shapes, nil
}

func maxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, error) {
	if len(inputShape) != 4 {
		return nil, nil, errors.New("MaxPool2D layer requires 4D input [batch, channels, height, width]")
	}
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, errors.New("missing kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", kernelSize)
	if stride <= 0 {
		stride = kernelSize
	}
	outputHeight := (inputShape[2]-kernelSize)/stride + 1
	outputWidth := (inputShape[3]-kernelSize)/stride + 1
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, errors.Errorf("pool window %d does not fit input %v", kernelSize, inputShape)
	}
	return []int{inputShape[0], inputShape[1], outputHeight, outputWidth}, nil, nil
}

func batchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, error) {
	if len(inputShape) < 2 {
		return nil, nil, errors.New("batch norm layer requires at least 2D input")
	}
	numFeatures := getIntParam(layer.Parameters, "num_features", 0)
	if numFeatures != inputShape[1] {
		return nil, nil, errors.Errorf("num_features (%d) doesn't match input feature dimension (%d)", numFeatures, inputShape[1])
	}

	var shapes [][]int
	if getBoolParam(layer.Parameters, "affine", true) {
		// scale then shift
		shapes = [][]int{{numFeatures}, {numFeatures}}
	}
	return append([]int(nil), inputShape...), shapes, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	sb.WriteString(fmt.Sprintf("Input Shape: %v\n", ms.InputShape))
	sb.WriteString(fmt.Sprintf("Output Shape: %v\n", ms.OutputShape))
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))
	sb.WriteString(fmt.Sprintf("Layers: %d\n\n", len(ms.Layers)))

	for i, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type))
		sb.WriteString(fmt.Sprintf("  Input:  %v\n", layer.InputShape))
		sb.WriteString(fmt.Sprintf("  Output: %v\n", layer.OutputShape))
		sb.WriteString(fmt.Sprintf("  Params: %d\n\n", layer.ParameterCount))
	}
	return sb.String()
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Helper functions for parameter extraction. JSON decoding turns every
// number into float64.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}
