package binstore

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Bin values and index descriptors are stored as msgpack.

func encodeValue(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %T: %v", ErrInvalidData, v, err)
	}
	return b, nil
}

func decodeValue(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: decode bin: %v", ErrInvalidData, err)
	}
	return v, nil
}

func encodeDescriptor(d IndexDescriptor) ([]byte, error) {
	return encodeValue(d)
}

func decodeDescriptor(data []byte) (IndexDescriptor, error) {
	var d IndexDescriptor
	if err := msgpack.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("%w: decode index descriptor: %v", ErrInvalidData, err)
	}
	return d, nil
}
