package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("unsupported config format")

// decodeFunc parses one configuration document into a nested map.
type decodeFunc func(data []byte, out *map[string]interface{}) error

func decodeJSON(data []byte, out *map[string]interface{}) error {
	return json.Unmarshal(data, out)
}

func decodeYAML(data []byte, out *map[string]interface{}) error {
	return yaml.Unmarshal(data, out)
}

var decoders = map[string]decodeFunc{
	".json": decodeJSON,
	".yaml": decodeYAML,
	".yml":  decodeYAML,
}

// decodeFile parses data with the decoder registered for the extension of
// path. An empty document decodes to an empty map.
func decodeFile(path string, data []byte) (map[string]interface{}, error) {
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := decoders[ext]
	if !ok {
		return nil, fmt.Errorf("%w %q: %s", ErrUnsupportedFormat, ext, path)
	}

	out := make(map[string]interface{})
	if len(strings.TrimSpace(string(data))) == 0 {
		return out, nil
	}
	if err := decode(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if out == nil {
		out = make(map[string]interface{})
	}
	return out, nil
}
