// Package models holds the built-in model catalog and merges it with
// user-added custom models from the replicated document.
package models

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Features describes what a model can do; used by the UI for capability
// badges and input gating.
type Features struct {
	Vision    bool `json:"vision" yaml:"vision"`
	ImageGen  bool `json:"image_gen" yaml:"image_gen"`
	AudioGen  bool `json:"audio_gen" yaml:"audio_gen"`
	VideoGen  bool `json:"video_gen" yaml:"video_gen"`
	WebSearch bool `json:"web_search" yaml:"web_search"`
	PDF       bool `json:"pdf" yaml:"pdf"`
	Fast      bool `json:"fast" yaml:"fast"`
	Reasoning bool `json:"reasoning" yaml:"reasoning"`
}

// Model is a selectable AI model. Custom entries live in the replicated
// document's models collection and share this shape.
type Model struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Provider     string   `json:"provider" yaml:"provider"`
	ProviderLogo string   `json:"providerLogo" yaml:"provider_logo"`
	Features     Features `json:"features" yaml:"features"`
}

var (
	catalogOnce sync.Once
	catalog     []Model
	catalogErr  error
)

// BuiltIn returns the static catalog. The embedded YAML is parsed once; a
// parse failure is a build defect and panics on first use.
func BuiltIn() []Model {
	catalogOnce.Do(func() {
		var doc struct {
			Models []Model `yaml:"models"`
		}
		catalogErr = yaml.Unmarshal(catalogYAML, &doc)
		catalog = doc.Models
	})
	if catalogErr != nil {
		panic(fmt.Sprintf("models: invalid embedded catalog: %v", catalogErr))
	}
	out := make([]Model, len(catalog))
	copy(out, catalog)
	return out
}

// Merge combines the built-in catalog with custom models. A custom model
// with a built-in id replaces the built-in entry; order is built-ins first
// (minus overridden ones), then customs in the given order.
func Merge(custom []Model) []Model {
	builtin := BuiltIn()
	if len(custom) == 0 {
		return builtin
	}

	overridden := make(map[string]bool, len(custom))
	for _, m := range custom {
		overridden[m.ID] = true
	}

	out := make([]Model, 0, len(builtin)+len(custom))
	for _, m := range builtin {
		if overridden[m.ID] {
			continue
		}
		out = append(out, m)
	}
	out = append(out, custom...)
	return out
}

// Lookup finds a model by id in the merged view.
func Lookup(custom []Model, id string) (Model, bool) {
	for _, m := range Merge(custom) {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}
