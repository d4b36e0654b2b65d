package proto

import (
	"reflect"
	"sort"

	"github.com/invopop/jsonschema"
)

// Schema describes every wire message as one alternative of a oneOf.
// The "type" discriminator is not a struct field; each alternative's
// title carries it.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}

	types := Types()
	sort.Strings(types)

	alternatives := make([]*jsonschema.Schema, 0, len(types))
	for _, t := range types {
		msg := factories[t]()
		s := reflector.ReflectFromType(reflect.TypeOf(msg).Elem())
		if s == nil {
			continue
		}
		s.Version = ""
		s.Title = t
		s.Description = "Message with type=" + t
		alternatives = append(alternatives, s)
	}

	return &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "Letterlings room protocol",
		Description: "JSON messages exchanged between room participants and the room host.",
		OneOf:       alternatives,
	}
}
