package util

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// EncodeGob serializes v with encoding/gob.
func EncodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeGob fills v from gob bytes produced by EncodeGob.
func DecodeGob(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("gob decode %T: %w", v, err)
	}
	return nil
}
