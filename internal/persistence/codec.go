package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/petrandreev/graphflow/pkg/runtime"
)

// EncodeInstance serializes a process instance using encoding/gob.
// Tokens reference nodes by ID and each other by token ID, so the
// aggregate is a plain tree of gob-encodable values. Variables must hold
// gob-encodable values; applications using custom types register them
// with gob.Register.
func EncodeInstance(in *runtime.ProcessInstance) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(in); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeInstance deserializes a process instance. The definition is not
// part of the snapshot; callers attach it after decoding.
func DecodeInstance(data []byte) (*runtime.ProcessInstance, error) {
	var in runtime.ProcessInstance
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&in); err != nil {
		return nil, err
	}
	return &in, nil
}

// CloneInstance deep-copies an instance via the gob codec. The in-memory
// store uses it so callers never share token maps with stored state.
func CloneInstance(in *runtime.ProcessInstance) (*runtime.ProcessInstance, error) {
	data, err := EncodeInstance(in)
	if err != nil {
		return nil, err
	}
	out, err := DecodeInstance(data)
	if err != nil {
		return nil, err
	}
	out.AttachDefinition(in.Definition())
	return out, nil
}

// EncodeValue serializes an arbitrary value. Callers must ensure the
// value is gob-encodable.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes a value produced by EncodeValue.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
