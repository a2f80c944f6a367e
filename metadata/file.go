package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/mohitkumar/caseflow/model"
	"github.com/mohitkumar/caseflow/util"
	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a definition from JSON or YAML. YAML documents are
// converted to their JSON form so node configs decode the same way.
func ParseDefinition(data []byte, format string) (*model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse definition: %w", err)
		}
	case "yaml", "yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse definition: %w", err)
		}
		converted, err := util.Convert[model.WorkflowDefinition](doc)
		if err != nil {
			return nil, fmt.Errorf("parse definition: %w", err)
		}
		def = converted
	default:
		return nil, fmt.Errorf("unsupported definition format %q", format)
	}
	return &def, nil
}

// LoadDefinitionFile reads a .json, .yaml or .yml definition from disk.
func LoadDefinitionFile(path string) (*model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDefinition(data, strings.TrimPrefix(filepath.Ext(path), "."))
}
