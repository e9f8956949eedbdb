package messaging

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload reports a payload that failed decoding or validation.
var ErrInvalidPayload = errors.New("messaging: invalid payload")

// DecodeFunc turns raw payload bytes into the typed value registered for a kind.
type DecodeFunc func(c Codec, data []byte) (any, error)

// Kinds maps discriminators to typed decoders. Decoded structs are validated
// with their `validate` tags before being handed to a handler.
type Kinds struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
	validate *validator.Validate
}

// NewKinds returns an empty registry.
func NewKinds() *Kinds {
	return &Kinds{
		decoders: make(map[string]DecodeFunc),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterKind binds kind to payload type T.
func RegisterKind[T any](k *Kinds, kind string) error {
	if kind == "" {
		return ErrInvalidKind
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, dup := k.decoders[kind]; dup {
		return fmt.Errorf("messaging: kind %q already registered", kind)
	}
	k.decoders[kind] = func(c Codec, data []byte) (any, error) {
		var v T
		if len(data) > 0 {
			if err := c.Unmarshal(data, &v); err != nil {
				return nil, &PayloadError{Kind: kind, Err: err}
			}
		}
		if err := k.Validate(v); err != nil {
			return nil, &PayloadError{Kind: kind, Err: err}
		}
		return v, nil
	}
	return nil
}

// MustRegisterKind is RegisterKind that panics, for package init wiring.
func MustRegisterKind[T any](k *Kinds, kind string) {
	if err := RegisterKind[T](k, kind); err != nil {
		panic(err)
	}
}

// Known reports whether kind has a decoder.
func (k *Kinds) Known(kind string) bool {
	k.mu.RLock()
	_, ok := k.decoders[kind]
	k.mu.RUnlock()
	return ok
}

// Decode decodes data registered under kind.
func (k *Kinds) Decode(c Codec, kind string, data []byte) (any, error) {
	k.mu.RLock()
	dec, ok := k.decoders[kind]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if c == nil {
		c = JSONCodec{}
	}
	return dec(c, data)
}

// Validate runs struct validation on v; non-struct values pass.
func (k *Kinds) Validate(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return k.validate.Struct(rv.Interface())
}

// Names returns the registered kinds, sorted.
func (k *Kinds) Names() []string {
	k.mu.RLock()
	out := make([]string, 0, len(k.decoders))
	for name := range k.decoders {
		out = append(out, name)
	}
	k.mu.RUnlock()
	sort.Strings(out)
	return out
}

// PayloadError wraps decode and validation failures for a kind.
type PayloadError struct {
	Kind string
	Err  error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("messaging: invalid %s payload: %v", e.Kind, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

func (e *PayloadError) Is(target error) bool { return target == ErrInvalidPayload }
