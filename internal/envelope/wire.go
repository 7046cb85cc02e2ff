package envelope

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Core Deterministic Encoding (RFC 8949 §4.2): the same envelope always
// produces the same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 64,
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

type wireField struct {
	Kind uint8  `cbor:"k"`
	Int  int64  `cbor:"i,omitempty"`
	Str  string `cbor:"s,omitempty"`
}

type wireEnvelope struct {
	Path   string               `cbor:"p"`
	Fields map[string]wireField `cbor:"f,omitempty"`
	Asset  []byte               `cbor:"a,omitempty"`
}

// Marshal encodes e as CBOR.
func Marshal(e Envelope) ([]byte, error) {
	w := wireEnvelope{Path: e.Path, Asset: e.Asset}
	if len(e.Fields) > 0 {
		w.Fields = make(map[string]wireField, len(e.Fields))
		for k, f := range e.Fields {
			w.Fields[k] = wireField{Kind: uint8(f.Kind), Int: f.Int, Str: f.Str}
		}
	}
	b, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a CBOR payload. It checks structure only; callers that
// act on the envelope should also Validate it.
func Unmarshal(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	var w wireEnvelope
	if err := decMode.Unmarshal(b, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Path == "" {
		return Envelope{}, fmt.Errorf("%w: missing path", ErrMalformed)
	}

	e := Envelope{Path: w.Path, Asset: w.Asset}
	if len(w.Fields) > 0 {
		e.Fields = make(map[string]Field, len(w.Fields))
		for k, f := range w.Fields {
			kind := Kind(f.Kind)
			switch kind {
			case KindInt, KindLong, KindString:
			default:
				return Envelope{}, fmt.Errorf("%w: field %q has unknown kind %d", ErrMalformed, k, f.Kind)
			}
			e.Fields[k] = Field{Kind: kind, Int: f.Int, Str: f.Str}
		}
	}
	return e, nil
}
