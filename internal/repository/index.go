package repository

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"sigs.k8s.io/yaml"

	"github.com/open-edge-platform/os-package-manager/internal/ospackage"
	"github.com/open-edge-platform/os-package-manager/internal/ospackage/archive"
)

// IndexFileName is the index document fetched from every origin.
const IndexFileName = "packages.json"

//go:embed index.schema.json
var indexSchemaJSON string

var indexSchema = jsonschema.MustCompileString("index.schema.json", indexSchemaJSON)

// ParseIndex decodes an index document published by origin. The document may
// be JSON or YAML and may be gzip, zstd or xz compressed. Every record is
// tagged with origin and marked not installed.
func ParseIndex(r io.Reader, origin string) ([]ospackage.PackageInfo, error) {
	dr, err := archive.Decompress(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing index: %w", err)
	}
	defer dr.Close()

	data, err := io.ReadAll(dr)
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}

	if !json.Valid(data) {
		converted, err := yaml.YAMLToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("index is neither JSON nor YAML: %w", err)
		}
		data = converted
	}

	if err := validateIndex(data); err != nil {
		return nil, err
	}

	var pkgs []ospackage.PackageInfo
	if err := json.Unmarshal(data, &pkgs); err != nil {
		return nil, fmt.Errorf("decoding index: %w", err)
	}
	for i := range pkgs {
		pkgs[i].Repository = origin
		pkgs[i].Installed = false
	}
	return pkgs, nil
}

func validateIndex(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decoding index: %w", err)
	}
	if err := indexSchema.Validate(doc); err != nil {
		return fmt.Errorf("index failed schema validation: %w", err)
	}
	return nil
}
