// Package events defines the registry's event log and its
// wire codec. Events are protobuf-wire records with every
// field present in field-number order, so each event has
// exactly one encoding and decoding is bit-exact.
package events

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/synergy-labs/envelope/pkg/model"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrMalformed    = errors.New("malformed event")
)

// Event is one registry state change.
type Event interface { // A
	EventName() string
	DatasetID() string
	appendTo(b []byte) []byte
}

type DatasetRegistered struct { // A
	Owner     model.Address
	Dataset   string
	ContentID string
}

type AccessGranted struct { // A
	Dataset   string
	Principal model.Address
	Level     model.AccessLevel
}

type AccessRevoked struct { // A
	Dataset   string
	Principal model.Address
}

type Rekeyed struct { // A
	Dataset      string
	OldContentID string
	NewContentID string
}

type OwnerTransferred struct { // A
	Dataset  string
	OldOwner model.Address
	NewOwner model.Address
}

type MetadataUpdated struct { // A
	Dataset string
}

type DatasetRetired struct { // A
	Dataset string
}

type KeyRegistered struct { // A
	Principal model.Address
}

func (DatasetRegistered) EventName() string { return "DatasetRegistered" } // A
func (AccessGranted) EventName() string     { return "AccessGranted" }     // A
func (AccessRevoked) EventName() string     { return "AccessRevoked" }     // A
func (Rekeyed) EventName() string           { return "Rekeyed" }           // A
func (OwnerTransferred) EventName() string  { return "OwnerTransferred" }  // A
func (MetadataUpdated) EventName() string   { return "MetadataUpdated" }   // A
func (DatasetRetired) EventName() string    { return "DatasetRetired" }    // A
func (KeyRegistered) EventName() string     { return "KeyRegistered" }     // A

func (e DatasetRegistered) DatasetID() string { return e.Dataset } // A
func (e AccessGranted) DatasetID() string     { return e.Dataset } // A
func (e AccessRevoked) DatasetID() string     { return e.Dataset } // A
func (e Rekeyed) DatasetID() string           { return e.Dataset } // A
func (e OwnerTransferred) DatasetID() string  { return e.Dataset } // A
func (e MetadataUpdated) DatasetID() string   { return e.Dataset } // A
func (e DatasetRetired) DatasetID() string    { return e.Dataset } // A
func (KeyRegistered) DatasetID() string       { return "" }        // A

func (e DatasetRegistered) appendTo(b []byte) []byte { // A
	b = appendAddress(b, 1, e.Owner)
	b = appendString(b, 2, e.Dataset)
	return appendString(b, 3, e.ContentID)
}

func (e *DatasetRegistered) readFrom(r *reader) (err error) { // A
	if e.Owner, err = r.address(1); err != nil {
		return err
	}
	if e.Dataset, err = r.string(2); err != nil {
		return err
	}
	e.ContentID, err = r.string(3)
	return err
}

func (e AccessGranted) appendTo(b []byte) []byte { // A
	b = appendString(b, 1, e.Dataset)
	b = appendAddress(b, 2, e.Principal)
	return protowire.AppendVarint(
		protowire.AppendTag(b, 3, protowire.VarintType),
		uint64(e.Level),
	)
}

func (e *AccessGranted) readFrom(r *reader) (err error) { // A
	if e.Dataset, err = r.string(1); err != nil {
		return err
	}
	if e.Principal, err = r.address(2); err != nil {
		return err
	}
	v, err := r.varint(3)
	if err != nil {
		return err
	}
	if v > uint64(model.LevelAdmin) {
		return fmt.Errorf("%w: level %d", ErrMalformed, v)
	}
	e.Level = model.AccessLevel(v)
	return nil
}

func (e AccessRevoked) appendTo(b []byte) []byte { // A
	b = appendString(b, 1, e.Dataset)
	return appendAddress(b, 2, e.Principal)
}

func (e *AccessRevoked) readFrom(r *reader) (err error) { // A
	if e.Dataset, err = r.string(1); err != nil {
		return err
	}
	e.Principal, err = r.address(2)
	return err
}

func (e Rekeyed) appendTo(b []byte) []byte { // A
	b = appendString(b, 1, e.Dataset)
	b = appendString(b, 2, e.OldContentID)
	return appendString(b, 3, e.NewContentID)
}

func (e *Rekeyed) readFrom(r *reader) (err error) { // A
	if e.Dataset, err = r.string(1); err != nil {
		return err
	}
	if e.OldContentID, err = r.string(2); err != nil {
		return err
	}
	e.NewContentID, err = r.string(3)
	return err
}

func (e OwnerTransferred) appendTo(b []byte) []byte { // A
	b = appendString(b, 1, e.Dataset)
	b = appendAddress(b, 2, e.OldOwner)
	return appendAddress(b, 3, e.NewOwner)
}

func (e *OwnerTransferred) readFrom(r *reader) (err error) { // A
	if e.Dataset, err = r.string(1); err != nil {
		return err
	}
	if e.OldOwner, err = r.address(2); err != nil {
		return err
	}
	e.NewOwner, err = r.address(3)
	return err
}

func (e MetadataUpdated) appendTo(b []byte) []byte { // A
	return appendString(b, 1, e.Dataset)
}

func (e *MetadataUpdated) readFrom(r *reader) (err error) { // A
	e.Dataset, err = r.string(1)
	return err
}

func (e DatasetRetired) appendTo(b []byte) []byte { // A
	return appendString(b, 1, e.Dataset)
}

func (e *DatasetRetired) readFrom(r *reader) (err error) { // A
	e.Dataset, err = r.string(1)
	return err
}

func (e KeyRegistered) appendTo(b []byte) []byte { // A
	return appendAddress(b, 1, e.Principal)
}

func (e *KeyRegistered) readFrom(r *reader) (err error) { // A
	e.Principal, err = r.address(1)
	return err
}

// Encode turns an event into a receipt log.
func Encode(e Event) model.Log { // A
	return model.Log{Name: e.EventName(), Data: e.appendTo(nil)}
}

// Decode parses a receipt log. It fails unless the data is
// exactly the encoding Encode would produce.
func Decode(l model.Log) (Event, error) { // A
	var (
		ev  Event
		dst interface{ readFrom(*reader) error }
	)
	switch l.Name {
	case "DatasetRegistered":
		e := &DatasetRegistered{}
		dst, ev = e, e
	case "AccessGranted":
		e := &AccessGranted{}
		dst, ev = e, e
	case "AccessRevoked":
		e := &AccessRevoked{}
		dst, ev = e, e
	case "Rekeyed":
		e := &Rekeyed{}
		dst, ev = e, e
	case "OwnerTransferred":
		e := &OwnerTransferred{}
		dst, ev = e, e
	case "MetadataUpdated":
		e := &MetadataUpdated{}
		dst, ev = e, e
	case "DatasetRetired":
		e := &DatasetRetired{}
		dst, ev = e, e
	case "KeyRegistered":
		e := &KeyRegistered{}
		dst, ev = e, e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, l.Name)
	}

	r := &reader{b: l.Data}
	if err := dst.readFrom(r); err != nil {
		return nil, err
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.b))
	}
	ev = deref(ev)
	if !bytes.Equal(ev.appendTo(nil), l.Data) {
		return nil, fmt.Errorf("%w: non-canonical encoding", ErrMalformed)
	}
	return ev, nil
}

// DecodeAll decodes every log of a receipt.
func DecodeAll(logs []model.Log) ([]Event, error) { // A
	out := make([]Event, 0, len(logs))
	for _, l := range logs {
		ev, err := Decode(l)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// deref returns events by value so callers can type
// switch on the plain struct types.
func deref(ev Event) Event { // A
	switch e := ev.(type) {
	case *DatasetRegistered:
		return *e
	case *AccessGranted:
		return *e
	case *AccessRevoked:
		return *e
	case *Rekeyed:
		return *e
	case *OwnerTransferred:
		return *e
	case *MetadataUpdated:
		return *e
	case *DatasetRetired:
		return *e
	case *KeyRegistered:
		return *e
	}
	return ev
}

func appendString( // A
	b []byte,
	num protowire.Number,
	s string,
) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendAddress( // A
	b []byte,
	num protowire.Number,
	a model.Address,
) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, a[:])
}

type reader struct { // A
	b []byte
}

func (r *reader) tag( // A
	want protowire.Number,
	wantType protowire.Type,
) error {
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		return fmt.Errorf("%w: field %d: %v", ErrMalformed, want, protowire.ParseError(n))
	}
	if num != want || typ != wantType {
		return fmt.Errorf("%w: got field %d type %d, want field %d type %d",
			ErrMalformed, num, typ, want, wantType)
	}
	r.b = r.b[n:]
	return nil
}

func (r *reader) bytes(num protowire.Number) ([]byte, error) { // A
	if err := r.tag(num, protowire.BytesType); err != nil {
		return nil, err
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) string(num protowire.Number) (string, error) { // A
	v, err := r.bytes(num)
	return string(v), err
}

func (r *reader) address(num protowire.Number) (model.Address, error) { // A
	v, err := r.bytes(num)
	if err != nil {
		return model.Address{}, err
	}
	if len(v) != len(model.Address{}) {
		return model.Address{}, fmt.Errorf("%w: field %d: address of %d bytes", ErrMalformed, num, len(v))
	}
	var a model.Address
	copy(a[:], v)
	return a, nil
}

func (r *reader) varint(num protowire.Number) (uint64, error) { // A
	if err := r.tag(num, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		return 0, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}
