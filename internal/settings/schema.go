// Package settings decides which generation parameters the UI may show
// for a given model, based on an operator-editable schema file plus the
// model's own generation_config.json.
package settings

import (
	"encoding/json"
	"os"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"

	. "github.com/roelfdiedericks/idlenpu/internal/logging"
)

// Rule modes.
const (
	ModeAll  = "all"
	ModeAuto = "auto"
	ModeList = "list"
	ModeNone = "none"
)

// Rule selects the supported key set for matching models.
type Rule struct {
	Mode          string   `json:"mode" toml:"mode"`
	Aliases       []string `json:"aliases" toml:"aliases"`
	SupportedKeys []string `json:"supported_keys" toml:"supported_keys"`
	AppKeys       []string `json:"app_keys" toml:"app_keys"`
	Include       []string `json:"include" toml:"include"`
	Exclude       []string `json:"exclude" toml:"exclude"`
}

// Schema is the root of model_settings.json / model_settings.toml.
type Schema struct {
	Defaults Rule            `json:"defaults" toml:"defaults"`
	Models   map[string]Rule `json:"models" toml:"models"`
}

// LoadSchema reads the settings schema, preferring the JSON variant.
// A missing or malformed file yields an empty schema: the resolver then
// fails open and exposes every known key.
func LoadSchema(jsonPath, tomlPath string) *Schema {
	if raw, err := os.ReadFile(jsonPath); err == nil {
		var s Schema
		if err := json.Unmarshal(raw, &s); err != nil {
			L_warn("settings: malformed schema, exposing all keys", "path", jsonPath, "error", err)
			return &Schema{}
		}
		L_debug("settings: loaded schema", "path", jsonPath)
		return &s
	}

	if raw, err := os.ReadFile(tomlPath); err == nil {
		var s Schema
		if err := toml.Unmarshal(raw, &s); err != nil {
			L_warn("settings: malformed schema, exposing all keys", "path", tomlPath, "error", err)
			return &Schema{}
		}
		L_debug("settings: loaded schema", "path", tomlPath)
		return &s
	}

	return &Schema{}
}

// ruleFor returns the effective rule for a model: the best matching
// entry from the models block, with unset fields inherited from the
// defaults block. The boolean reports whether any model entry matched.
func (s *Schema) ruleFor(candidates []string) (Rule, bool) {
	key, ok := s.bestMatch(candidates)

	var rule Rule
	if ok {
		rule = s.Models[key]
	}
	// Fill gaps from the defaults block.
	if err := mergo.Merge(&rule, s.Defaults); err != nil {
		L_warn("settings: rule merge failed", "error", err)
	}
	if rule.Mode == "" {
		rule.Mode = ModeAll
	}
	return rule, ok
}
