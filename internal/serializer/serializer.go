// Package serializer defines the opaque codec the data store uses for
// args, kwargs, trigger state, task state, return values, and
// exceptions (spec §9: "the store treats these as opaque byte strings
// produced by an injected serializer"). The same Serializer must be
// configured across every participant sharing a store.
package serializer

import (
	"encoding/json"

	"github.com/tidecron/scheduler/internal/apschederr"
)

// Serializer marshals and unmarshals arbitrary values to and from the
// byte strings the data store persists.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
}

// JSONSerializer is the default Serializer, backed by encoding/json.
// It is adequate for the builtin triggers and for jobs whose
// args/kwargs/return values are JSON-representable; callers needing
// arbitrary Go values (closures, non-exported fields) should supply
// their own Serializer.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &apschederr.SerializationError{Cause: err}
	}
	return b, nil
}

func (JSONSerializer) Deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &apschederr.DeserializationError{Cause: err}
	}
	return nil
}
