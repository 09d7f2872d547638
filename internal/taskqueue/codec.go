package taskqueue

import (
	"bytes"
	"encoding/gob"
)

// EncodeMessage serializes a Message using encoding/gob. Payload values
// must be gob-encodable; map[string]any with the usual scalar, slice and
// nested-map values is.
func EncodeMessage(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage deserializes a gob-encoded Message.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
