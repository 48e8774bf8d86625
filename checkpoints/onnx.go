package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/larworkshop/nuvision/layers"
)

// Field numbers of the ONNX protobuf messages that are read or written.
// The graph holds initializers only; the architecture and training state
// travel as JSON in the model's metadata properties.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelModelVersion    protowire.Number = 5
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
	modelMetadataProps   protowire.Number = 14

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorRawData   protowire.Number = 9

	tensorTypeFloat = 1

	irVersion = 7
	opset     = 13

	keySpec     = "nuvision.model_spec"
	keyState    = "nuvision.training_state"
	keyMetadata = "nuvision.metadata"
)

func saveONNX(c *Checkpoint, path string) error {
	data, err := marshalONNX(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write ONNX file")
	}
	return nil
}

func loadONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}
	return unmarshalONNX(data)
}

func marshalONNX(c *Checkpoint) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, irVersion)
	b = appendString(b, modelProducerName, framework)
	b = appendString(b, modelProducerVersion, version)
	b = protowire.AppendTag(b, modelModelVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)

	var graph []byte
	graph = appendString(graph, graphName, "nuvision")
	for _, w := range c.Weights {
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, marshalTensor(w))
	}
	b = protowire.AppendTag(b, modelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, graph)

	var op []byte
	op = appendString(op, opsetDomain, "")
	op = protowire.AppendTag(op, opsetVersion, protowire.VarintType)
	op = protowire.AppendVarint(op, opset)
	b = protowire.AppendTag(b, modelOpsetImport, protowire.BytesType)
	b = protowire.AppendBytes(b, op)

	for _, prop := range []struct {
		key   string
		value any
	}{
		{keySpec, c.ModelSpec},
		{keyState, c.TrainingState},
		{keyMetadata, c.Metadata},
	} {
		js, err := json.Marshal(prop.value)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding %s", prop.key)
		}
		var entry []byte
		entry = appendString(entry, entryKey, prop.key)
		entry = appendString(entry, entryValue, string(js))
		b = protowire.AppendTag(b, modelMetadataProps, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b, nil
}

func marshalTensor(w WeightTensor) []byte {
	var b []byte
	var dims []byte
	for _, d := range w.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, tensorTypeFloat)
	b = appendString(b, tensorName, w.Name)

	raw := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorRawData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// fields walks the top level fields of one message.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		if err := fn(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func bytesValue(v []byte) ([]byte, error) {
	out, n := protowire.ConsumeBytes(v)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return out, nil
}

func varintValue(v []byte) (uint64, error) {
	out, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return out, nil
}

func unmarshalONNX(data []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	var graph []byte
	props := map[string]string{}

	err := fields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == modelGraph && typ == protowire.BytesType:
			g, err := bytesValue(v)
			graph = g
			return err
		case num == modelMetadataProps && typ == protowire.BytesType:
			entry, err := bytesValue(v)
			if err != nil {
				return err
			}
			var key, value string
			err = fields(entry, func(num protowire.Number, typ protowire.Type, v []byte) error {
				s, err := bytesValue(v)
				switch num {
				case entryKey:
					key = string(s)
				case entryValue:
					value = string(s)
				}
				return err
			})
			props[key] = value
			return err
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ONNX model")
	}
	if graph == nil {
		return nil, errors.New("ONNX model has no graph")
	}

	err = fields(graph, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != graphInitializer || typ != protowire.BytesType {
			return nil
		}
		t, err := bytesValue(v)
		if err != nil {
			return err
		}
		w, err := unmarshalTensor(t)
		if err != nil {
			return err
		}
		c.Weights = append(c.Weights, w)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ONNX graph")
	}

	if js, ok := props[keySpec]; ok && js != "null" {
		c.ModelSpec = &layers.ModelSpec{}
		if err := json.Unmarshal([]byte(js), c.ModelSpec); err != nil {
			return nil, errors.Wrap(err, "decoding model spec")
		}
	}
	if js, ok := props[keyState]; ok {
		if err := json.Unmarshal([]byte(js), &c.TrainingState); err != nil {
			return nil, errors.Wrap(err, "decoding training state")
		}
	}
	if js, ok := props[keyMetadata]; ok {
		if err := json.Unmarshal([]byte(js), &c.Metadata); err != nil {
			return nil, errors.Wrap(err, "decoding metadata")
		}
	}
	c.labelWeights()
	return c, nil
}

// labelWeights restores Layer and Type, which ONNX does not carry.
func (c *Checkpoint) labelWeights() {
	types := map[string]layers.LayerType{}
	if c.ModelSpec != nil {
		for _, l := range c.ModelSpec.Layers {
			types[l.Name] = l.Type
		}
	}
	for i := range c.Weights {
		w := &c.Weights[i]
		layer, suffix := splitName(w.Name)
		w.Layer = layer
		index := 0
		if suffix == "bias" {
			index = 1
		}
		w.Type = weightType(types[layer], index)
	}
}

// unmarshalTensor reads a float tensor. Dims and float_data may be packed
// or not; raw_data is little endian.
func unmarshalTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	dataType := uint64(tensorTypeFloat)

	err := fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case tensorDims:
			return consumeVarints(typ, v, func(x uint64) { w.Shape = append(w.Shape, int(int64(x))) })
		case tensorDataType:
			t, err := varintValue(v)
			dataType = t
			return err
		case tensorName:
			s, err := bytesValue(v)
			w.Name = string(s)
			return err
		case tensorFloatData:
			return consumeFloats(typ, v, func(f float32) { w.Data = append(w.Data, f) })
		case tensorRawData:
			raw, err := bytesValue(v)
			if err != nil {
				return err
			}
			if len(raw)%4 != 0 {
				return errors.Errorf("raw data of %d bytes is not float32", len(raw))
			}
			for i := 0; i < len(raw); i += 4 {
				w.Data = append(w.Data, math.Float32frombits(binary.LittleEndian.Uint32(raw[i:])))
			}
		}
		return nil
	})
	if err != nil {
		return w, err
	}
	if dataType != tensorTypeFloat {
		return w, errors.Errorf("tensor %s has data type %d, only FLOAT is supported", w.Name, dataType)
	}
	if n := shapeSize(w.Shape); n != len(w.Data) {
		return w, errors.Errorf("tensor %s has %d values for shape %v", w.Name, len(w.Data), w.Shape)
	}
	return w, nil
}

func consumeVarints(typ protowire.Type, v []byte, fn func(uint64)) error {
	if typ == protowire.VarintType {
		x, err := varintValue(v)
		fn(x)
		return err
	}
	packed, err := bytesValue(v)
	if err != nil {
		return err
	}
	for len(packed) > 0 {
		x, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return protowire.ParseError(n)
		}
		fn(x)
		packed = packed[n:]
	}
	return nil
}

func consumeFloats(typ protowire.Type, v []byte, fn func(float32)) error {
	if typ == protowire.Fixed32Type {
		x, n := protowire.ConsumeFixed32(v)
		if n < 0 {
			return protowire.ParseError(n)
		}
		fn(math.Float32frombits(x))
		return nil
	}
	packed, err := bytesValue(v)
	if err != nil {
		return err
	}
	for len(packed) >= 4 {
		fn(math.Float32frombits(binary.LittleEndian.Uint32(packed)))
		packed = packed[4:]
	}
	return nil
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
