package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"gopkg.in/yaml.v2"
)

// Load reads and validates a policy file. HCL is the native format; YAML
// files (by extension) are accepted for compatibility with older
// deployments that shipped the allow-list as plain YAML.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes parses policy content. The filename decides the format.
func LoadBytes(filename string, data []byte) (*Policy, error) {
	var p Policy

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.UnmarshalStrict(data, &p); err != nil {
			return nil, fmt.Errorf("decode yaml policy: %w", err)
		}
	default:
		if err := hclsimple.Decode(filename, data, nil, &p); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", filename, err)
	}

	return &p, nil
}
