// Package file writes the run report as YAML or JSON.
package file

import (
	"encoding/json"
	"io"

	"gopkg.in/yaml.v3"

	"firestige.xyz/tracelens/internal/sink"
	"firestige.xyz/tracelens/pkg/model"
)

const (
	NameYAML = "yaml"
	NameJSON = "json"
)

func init() {
	sink.Register(NameYAML, func(w io.Writer) sink.Sink { return &YAML{w: w} })
	sink.Register(NameJSON, func(w io.Writer) sink.Sink { return &JSON{w: w} })
}

// YAML writes the report as one YAML document.
type YAML struct {
	w io.Writer
}

func (s *YAML) Write(m *model.Model) error {
	enc := yaml.NewEncoder(s.w)
	enc.SetIndent(2)
	if err := enc.Encode(sink.NewReport(m)); err != nil {
		return err
	}
	return enc.Close()
}

// JSON writes the report as indented JSON.
type JSON struct {
	w io.Writer
}

func (s *JSON) Write(m *model.Model) error {
	enc := json.NewEncoder(s.w)
	enc.SetIndent("", "  ")
	return enc.Encode(sink.NewReport(m))
}
