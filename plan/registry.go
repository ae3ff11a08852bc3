// Package plan parses plan documents and turns their artifacts into
// normalized build requests.
package plan

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"keel/apperr"
	"keel/model"
)

// Parser decodes one plan document version.
type Parser func(doc []byte) (*model.PlanContent, error)

// Registry maps plan versions to their parsers. It is built once and
// read-only afterwards.
type Registry struct {
	parsers map[string]Parser
}

func NewRegistry(parsers map[string]Parser) (*Registry, error) {
	if len(parsers) == 0 {
		return nil, fmt.Errorf("plan registry: no parsers")
	}
	r := &Registry{parsers: make(map[string]Parser, len(parsers))}
	for v, p := range parsers {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, fmt.Errorf("plan registry: empty version")
		}
		if p == nil {
			return nil, fmt.Errorf("plan registry: nil parser for version %s", v)
		}
		if _, dup := r.parsers[v]; dup {
			return nil, fmt.Errorf("plan registry: duplicate version %s", v)
		}
		r.parsers[v] = p
	}
	return r, nil
}

// DefaultRegistry knows every plan version keel accepts.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(map[string]Parser{
		"1": parseV1,
		"2": parseV2,
	})
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Versions() []string {
	out := make([]string, 0, len(r.parsers))
	for v := range r.parsers {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Parse reads the document's version field and dispatches to the
// matching parser. YAML is a superset of JSON so both are accepted.
func (r *Registry) Parse(raw []byte) (*model.PlanContent, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "plan document is empty")
	}

	// The version is matched as written: 1.0 is not 1.
	var head struct {
		Version yaml.Node `yaml:"version"`
	}
	if err := yaml.Unmarshal(raw, &head); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidInput, err, "plan is invalid")
	}
	if head.Version.Kind == 0 || head.Version.Tag == "!!null" {
		return nil, apperr.New(apperr.CodeInvalidInput, "plan has no version")
	}
	if head.Version.Kind != yaml.ScalarNode {
		return nil, apperr.New(apperr.CodeInvalidInput, "plan version must be a scalar")
	}

	version := head.Version.Value
	parse, ok := r.parsers[version]
	if !ok {
		return nil, apperr.New(apperr.CodeUnsupportedVersion,
			"plan version %s is not supported (supported: %s)", version, strings.Join(r.Versions(), ", "))
	}

	content, err := parse(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidInput, err, "plan is invalid")
	}
	content.Version = version
	return content, nil
}

func parseV1(doc []byte) (*model.PlanContent, error) {
	var pc model.PlanContent
	if err := yaml.Unmarshal(doc, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

// v2 documents nest artifacts under an application envelope.
func parseV2(doc []byte) (*model.PlanContent, error) {
	var d struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Application struct {
			Name      string           `yaml:"name"`
			Artifacts []model.Artifact `yaml:"artifacts"`
		} `yaml:"application"`
	}
	if err := yaml.Unmarshal(doc, &d); err != nil {
		return nil, err
	}
	name := d.Name
	if name == "" {
		name = d.Application.Name
	}
	return &model.PlanContent{
		Name:        name,
		Description: d.Description,
		Artifacts:   d.Application.Artifacts,
	}, nil
}
