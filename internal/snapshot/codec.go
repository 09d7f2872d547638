package snapshot

import (
	"bytes"
	"encoding/gob"
)

// Encode serializes a snapshot value using encoding/gob. Values must be
// gob-encodable; the api snapshot types are.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes gob data into out, which must be a pointer.
func Decode(data []byte, out any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out)
}
