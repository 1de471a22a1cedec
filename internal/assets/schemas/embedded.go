// Package schemasassets provides the embedded JSON schemas for message
// envelopes and configuration files, and a cache of their compiled forms.
package schemasassets

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// EnvelopeSchema is the JSON schema for one JSONL message envelope.
//
//go:embed envelope.schema.json
var EnvelopeSchema []byte

// ConfigSchema is the JSON schema for a jobtally.yaml config file.
//
//go:embed config.schema.json
var ConfigSchema []byte

// Schema identifiers accepted by Compiled.
const (
	EnvelopeSchemaID = "https://schemas.jobtally.dev/v1/envelope.schema.json"
	ConfigSchemaID   = "https://schemas.jobtally.dev/v1/config.schema.json"
)

var sources = map[string][]byte{
	EnvelopeSchemaID: EnvelopeSchema,
	ConfigSchemaID:   ConfigSchema,
}

type compiled struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

var cache = map[string]*compiled{
	EnvelopeSchemaID: {},
	ConfigSchemaID:   {},
}

// Compiled returns the compiled schema for id. Each schema is compiled once.
func Compiled(id string) (*jsonschema.Schema, error) {
	c, ok := cache[id]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", id)
	}
	c.once.Do(func() {
		src := sources[id]
		if len(src) == 0 {
			c.err = fmt.Errorf("embedded schema %s is empty", id)
			return
		}
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(id, bytes.NewReader(src)); err != nil {
			c.err = fmt.Errorf("add schema %s: %w", id, err)
			return
		}
		c.schema, c.err = compiler.Compile(id)
		if c.err != nil {
			c.err = fmt.Errorf("compile schema %s: %w", id, c.err)
		}
	})
	return c.schema, c.err
}

// Violation is one schema failure at a JSON pointer into the document.
type Violation struct {
	Pointer string
	Message string
}

// Validate checks the JSON document data against schema id. A nil slice
// and nil error mean the document is valid; a non-nil error means the
// document could not be checked at all.
func Validate(id string, data []byte) ([]Violation, error) {
	schema, err := Compiled(id)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	err = schema.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}

	var out []Violation
	collectLeaves(ve, &out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Pointer < out[j].Pointer })
	return out, nil
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]Violation) {
	if len(ve.Causes) == 0 {
		*out = append(*out, Violation{Pointer: ve.InstanceLocation, Message: ve.Message})
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}
