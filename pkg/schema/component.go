package schema

import "github.com/google/uuid"

// componentNamespace seeds name-derived component identifiers.
var componentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://agentscript.dev/component"))

// ComponentID is an opaque 128-bit identifier for steps, branches, workflows and hook participants.
type ComponentID struct {
	uuid.UUID
}

// NewComponentID derives a stable identifier from a name.
// The same name always yields the same ID.
func NewComponentID(name string) ComponentID {
	return ComponentID{UUID: uuid.NewSHA1(componentNamespace, []byte(name))}
}

// RandomComponentID returns a fresh random identifier.
func RandomComponentID() ComponentID {
	return ComponentID{UUID: uuid.New()}
}

// ParseComponentID parses the canonical string form.
func ParseComponentID(s string) (ComponentID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ComponentID{}, NewErrorf(ErrCodeValidation, "invalid component id %q", s).WithCause(err)
	}
	return ComponentID{UUID: id}, nil
}

// IsZero reports whether the ID is unset.
func (c ComponentID) IsZero() bool {
	return c.UUID == uuid.Nil
}
