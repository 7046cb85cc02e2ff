// Package envelope defines the message exchanged between the source and the
// sink: a path, a small set of typed fields and an optional binary asset.
package envelope

import (
	"errors"
	"fmt"
	"time"
)

const (
	RequestPath  = "/weather/request"
	ResponsePath = "/weather/response"
)

// Field keys. Requests carry KeyRequestTime and KeyDisplaySize, responses
// carry KeyHigh, KeyLow and KeySentTime plus the icon asset.
const (
	KeyRequestTime = "request_time"
	KeyDisplaySize = "display_size"
	KeyHigh        = "high"
	KeyLow         = "low"
	KeySentTime    = "sent_time"
)

var ErrMalformed = errors.New("envelope: malformed")

type Kind uint8

const (
	KindInt Kind = iota + 1
	KindLong
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type Field struct {
	Kind Kind
	Int  int64
	Str  string
}

type Envelope struct {
	Path   string
	Fields map[string]Field
	Asset  []byte
}

// NewRequest builds a weather request stamped with now. The timestamp makes
// every request a distinct item so the channel never coalesces two of them.
func NewRequest(now time.Time, displaySize int) Envelope {
	e := Envelope{Path: RequestPath}
	e.PutLong(KeyRequestTime, now.UnixMilli())
	e.PutInt(KeyDisplaySize, displaySize)
	return e
}

// NewResponse builds a weather response. high and low are already formatted.
func NewResponse(high, low string, asset []byte, sentTime time.Time) Envelope {
	e := Envelope{Path: ResponsePath, Asset: asset}
	e.PutString(KeyHigh, high)
	e.PutString(KeyLow, low)
	e.PutLong(KeySentTime, sentTime.UnixMilli())
	return e
}

func (e *Envelope) put(key string, f Field) {
	if e.Fields == nil {
		e.Fields = make(map[string]Field)
	}
	e.Fields[key] = f
}

func (e *Envelope) PutInt(key string, v int) {
	e.put(key, Field{Kind: KindInt, Int: int64(v)})
}

func (e *Envelope) PutLong(key string, v int64) {
	e.put(key, Field{Kind: KindLong, Int: v})
}

func (e *Envelope) PutString(key, v string) {
	e.put(key, Field{Kind: KindString, Str: v})
}

func (e Envelope) Has(key string) bool {
	_, ok := e.Fields[key]
	return ok
}

func (e Envelope) field(key string, kind Kind) (Field, error) {
	f, ok := e.Fields[key]
	if !ok {
		return Field{}, fmt.Errorf("%w: missing field %q", ErrMalformed, key)
	}
	if f.Kind != kind {
		return Field{}, fmt.Errorf("%w: field %q is %s, want %s", ErrMalformed, key, f.Kind, kind)
	}
	return f, nil
}

func (e Envelope) Int(key string) (int, error) {
	f, err := e.field(key, KindInt)
	if err != nil {
		return 0, err
	}
	return int(f.Int), nil
}

func (e Envelope) Long(key string) (int64, error) {
	f, err := e.field(key, KindLong)
	if err != nil {
		return 0, err
	}
	return f.Int, nil
}

func (e Envelope) String(key string) (string, error) {
	f, err := e.field(key, KindString)
	if err != nil {
		return "", err
	}
	return f.Str, nil
}

// IsRequest reports whether e is shaped as a request: the request timestamp
// is the discriminator.
func (e Envelope) IsRequest() bool {
	return e.Has(KeyRequestTime)
}

// IsResponse reports whether e is shaped as a response.
func (e Envelope) IsResponse() bool {
	return !e.Has(KeyRequestTime) && e.Has(KeyHigh) && e.Has(KeyLow)
}

// Validate checks that the path agrees with the role and that the role's
// required fields are present with the right kinds.
func (e Envelope) Validate() error {
	switch e.Path {
	case RequestPath:
		if !e.IsRequest() {
			return fmt.Errorf("%w: request path without %s", ErrMalformed, KeyRequestTime)
		}
		if _, err := e.Long(KeyRequestTime); err != nil {
			return err
		}
		size, err := e.Int(KeyDisplaySize)
		if err != nil {
			return err
		}
		if size <= 0 {
			return fmt.Errorf("%w: display size %d", ErrMalformed, size)
		}
		if len(e.Asset) != 0 {
			return fmt.Errorf("%w: request carries an asset", ErrMalformed)
		}
	case ResponsePath:
		if !e.IsResponse() {
			return fmt.Errorf("%w: response path without response fields", ErrMalformed)
		}
		for _, key := range []string{KeyHigh, KeyLow} {
			if _, err := e.String(key); err != nil {
				return err
			}
		}
		if _, err := e.Long(KeySentTime); err != nil {
			return err
		}
		if len(e.Asset) == 0 {
			return fmt.Errorf("%w: response without asset", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown path %q", ErrMalformed, e.Path)
	}
	return nil
}
