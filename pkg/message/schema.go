package message

import (
	"fmt"
	"strings"

	schemasassets "github.com/3leaps/jobtally/internal/assets/schemas"
)

// SchemaError is a single schema violation in a raw envelope.
type SchemaError struct {
	// Path is the JSON pointer to the offending value (e.g., "/data/outcome").
	Path string

	Message string
}

func (e SchemaError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// SchemaErrors collects every violation found in one envelope.
type SchemaErrors []SchemaError

func (e SchemaErrors) Error() string {
	if len(e) == 0 {
		return "envelope does not match schema"
	}
	if len(e) == 1 {
		return "envelope does not match schema: " + e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "envelope does not match schema (%d errors):", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap makes schema failures match ErrInvalid.
func (e SchemaErrors) Unwrap() error {
	return ErrInvalid
}

// ValidateRaw checks one raw JSON envelope against the embedded envelope
// schema. Unlike Decode it rejects unknown fields.
func ValidateRaw(data []byte) error {
	violations, err := schemasassets.Validate(schemasassets.EnvelopeSchemaID, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(violations) == 0 {
		return nil
	}
	errs := make(SchemaErrors, 0, len(violations))
	for _, v := range violations {
		errs = append(errs, SchemaError{Path: v.Pointer, Message: v.Message})
	}
	return errs
}
