package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

type printer func(v any) error

func newPrinter(format string, w io.Writer) (printer, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode, nil
	case "yaml":
		return func(v any) error {
			out, err := toYAML(v)
			if err != nil {
				return err
			}
			_, err = w.Write(out)
			return err
		}, nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

// toYAML renders v with the same field names as its JSON form. JSON is
// valid YAML, so the JSON document is parsed into a node tree and re-emitted
// in block style.
func toYAML(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	block(&doc)
	return yaml.Marshal(&doc)
}

func block(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		block(c)
	}
}
