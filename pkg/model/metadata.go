package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

// DataType is the coarse kind of a dataset's contents.
type DataType string

const (
	DataTypeCSV    DataType = "csv"
	DataTypeJSON   DataType = "json"
	DataTypeImages DataType = "images"
	DataTypeAudio  DataType = "audio"
	DataTypeVideo  DataType = "video"
	DataTypeText   DataType = "text"
	DataTypeMixed  DataType = "mixed"
	DataTypeOther  DataType = "other"
)

// Valid reports whether t is one of the known data types.
func (t DataType) Valid() bool {
	switch t {
	case DataTypeCSV, DataTypeJSON, DataTypeImages, DataTypeAudio,
		DataTypeVideo, DataTypeText, DataTypeMixed, DataTypeOther:
		return true
	}
	return false
}

const (
	minNameLen        = 1
	maxNameLen        = 100
	minDescriptionLen = 10
	maxDescriptionLen = 1000
	maxTags           = 64
	maxTagLen         = 64
)

// Metadata is the decoded form of a dataset's metadata blob. Fields are
// declared in key order so the JSON encoding is canonical.
type Metadata struct {
	DataType    DataType `json:"data_type"`
	Description string   `json:"description"`
	ExtendedRef string   `json:"extended_ref,omitempty"`
	Name        string   `json:"name"`
	Size        int64    `json:"size"`
	Tags        []string `json:"tags"`
}

type rawMetadata struct {
	DataType    *DataType `json:"data_type"`
	Description *string   `json:"description"`
	ExtendedRef *string   `json:"extended_ref"`
	Name        *string   `json:"name"`
	Size        *int64    `json:"size"`
	Tags        []string  `json:"tags"`
}

// Validate checks field ranges.
func (m Metadata) Validate() error {
	if n := utf8.RuneCountInString(m.Name); n < minNameLen || n > maxNameLen {
		return apperr.New(apperr.KindBadRequest, "name must be %d..%d characters, got %d", minNameLen, maxNameLen, n)
	}
	if n := utf8.RuneCountInString(m.Description); n < minDescriptionLen || n > maxDescriptionLen {
		return apperr.New(apperr.KindBadRequest, "description must be %d..%d characters, got %d", minDescriptionLen, maxDescriptionLen, n)
	}
	if !m.DataType.Valid() {
		return apperr.New(apperr.KindBadRequest, "unknown data_type %q", m.DataType)
	}
	if m.Size < 0 {
		return apperr.New(apperr.KindBadRequest, "size must be non-negative")
	}
	if len(m.Tags) > maxTags {
		return apperr.New(apperr.KindBadRequest, "at most %d tags", maxTags)
	}
	for _, tag := range m.Tags {
		if tag == "" || utf8.RuneCountInString(tag) > maxTagLen {
			return apperr.New(apperr.KindBadRequest, "tags must be 1..%d characters", maxTagLen)
		}
	}
	if m.ExtendedRef != "" {
		if _, err := sealcrypt.ParseContentID(m.ExtendedRef); err != nil {
			return apperr.Wrap(apperr.KindBadRequest, err, "extended_ref")
		}
	}
	return nil
}

// Encode returns the canonical blob stored on the registry.
func (m Metadata) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	return marshalCanonical(m)
}

// ParseMetadata decodes and validates a metadata blob. Unknown fields,
// missing required fields and trailing data are rejected.
func ParseMetadata(blob []byte) (Metadata, error) {
	var raw rawMetadata
	if err := decodeStrict(blob, &raw); err != nil {
		return Metadata{}, apperr.Wrap(apperr.KindBadRequest, err, "metadata")
	}
	switch {
	case raw.Name == nil:
		return Metadata{}, apperr.New(apperr.KindBadRequest, "metadata: missing name")
	case raw.Description == nil:
		return Metadata{}, apperr.New(apperr.KindBadRequest, "metadata: missing description")
	case raw.DataType == nil:
		return Metadata{}, apperr.New(apperr.KindBadRequest, "metadata: missing data_type")
	case raw.Size == nil:
		return Metadata{}, apperr.New(apperr.KindBadRequest, "metadata: missing size")
	}
	m := Metadata{
		DataType:    *raw.DataType,
		Description: *raw.Description,
		Name:        *raw.Name,
		Size:        *raw.Size,
		Tags:        raw.Tags,
	}
	if raw.ExtendedRef != nil {
		m.ExtendedRef = *raw.ExtendedRef
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	return m, m.Validate()
}

// CanonicalMetadata parses blob and re-encodes it canonically.
func CanonicalMetadata(blob []byte) ([]byte, error) {
	m, err := ParseMetadata(blob)
	if err != nil {
		return nil, err
	}
	return m.Encode()
}

func decodeStrict(b []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
