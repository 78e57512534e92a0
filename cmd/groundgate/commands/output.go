package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// writeStructured renders v as json or yaml. It reports false for any other
// format so the caller can print its table.
func writeStructured(w io.Writer, format string, v interface{}) (bool, error) {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return true, encoder.Encode(v)
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return true, err
		}
		_, err = w.Write(data)
		return true, err
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown format %q (table, json, yaml)", format)
	}
}
