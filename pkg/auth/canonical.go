package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// CanonicalJSON encodes v with object keys sorted, no
// insignificant whitespace and no HTML escaping. Numbers
// keep their literal form. Two values that encode to the
// same JSON object always yield identical bytes.
func CanonicalJSON(v any) ([]byte, error) { // A
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
