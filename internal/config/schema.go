package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/jobtally/internal/assets/schemas"
)

// ErrInvalidFile is wrapped by every config file schema failure.
var ErrInvalidFile = errors.New("config file does not match schema")

// ValidateFile checks a YAML config file against the embedded config
// schema. Unknown sections and keys are rejected.
func ValidateFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return validateYAML(path, raw)
}

func validateYAML(name string, raw []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config %s: %w", name, err)
	}
	if doc == nil {
		return nil
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert config %s: %w", name, err)
	}
	violations, err := schemasassets.Validate(schemasassets.ConfigSchemaID, data)
	if err != nil {
		return fmt.Errorf("validate config %s: %w", name, err)
	}
	if len(violations) == 0 {
		return nil
	}

	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		path := v.Pointer
		if path == "" {
			path = "/"
		}
		msgs = append(msgs, path+": "+v.Message)
	}
	return fmt.Errorf("%w: %s: %s", ErrInvalidFile, name, strings.Join(msgs, "; "))
}
