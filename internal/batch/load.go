package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/locai/pkg/types"
)

// File is a batch document. On disk it is either a bare list of operations
// or an object with an "operations" list and an optional "transactional"
// flag.
type File struct {
	Operations    []types.BatchOperation `json:"operations"`
	Transactional bool                   `json:"transactional,omitempty"`
}

// LoadOperations reads a batch file. Files ending in .yaml or .yml are
// parsed as YAML, anything else as JSON.
func LoadOperations(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.Wrap(types.KindOperation, err, "open batch file %s", path)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return DecodeYAML(f)
	default:
		return DecodeJSON(f)
	}
}

// DecodeJSON parses a JSON batch document.
func DecodeJSON(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, types.Wrap(types.KindOperation, err, "read batch document")
	}
	return decode(data)
}

// DecodeYAML parses a YAML batch document. The YAML tree is re-encoded as
// JSON so payloads go through the same tagged decoding as JSON input.
func DecodeYAML(r io.Reader) (*File, error) {
	var doc any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, types.NewError(types.KindValidation, "batch document is empty")
		}
		return nil, types.Wrap(types.KindSerialization, err, "parse yaml batch document")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, types.Wrap(types.KindSerialization, err, "convert yaml batch document")
	}
	return decode(data)
}

func decode(data []byte) (*File, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, types.NewError(types.KindValidation, "batch document is empty")
	}
	var file File
	if data[0] == '[' {
		if err := json.Unmarshal(data, &file.Operations); err != nil {
			return nil, types.Wrap(types.KindSerialization, err, "decode batch operations")
		}
		return &file, nil
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, types.Wrap(types.KindSerialization, err, "decode batch document")
	}
	return &file, nil
}
