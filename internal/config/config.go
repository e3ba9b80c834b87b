// Package config holds application constants, generation defaults and the
// option-group metadata the frontend renders its settings panel from.
package config

import (
	"os"
	"sort"
	"strconv"
)

// Version is reported by /api/config and /health.
const Version = "1.0.1"

const (
	// MaxFileBytes caps text attachment content. Longer files are
	// truncated and flagged, never rejected.
	MaxFileBytes = 512 * 1024
	// MaxImageBytes caps image attachments. Oversized images are dropped.
	MaxImageBytes = 5 * 1024 * 1024
)

const (
	// EnvHost and EnvPort override the listen address.
	EnvHost = "IDLE_NPU_HOST"
	EnvPort = "IDLE_NPU_PORT"

	DefaultHost = "127.0.0.1"
	DefaultPort = 8000
)

// Host returns the configured listen host.
func Host() string {
	if v := os.Getenv(EnvHost); v != "" {
		return v
	}
	return DefaultHost
}

// Port returns the configured listen port. Unparseable values fall back
// to the default rather than failing startup.
func Port() int {
	if v := os.Getenv(EnvPort); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 65536 {
			return n
		}
	}
	return DefaultPort
}

// GenerationConfig is a free-form bag of generation settings. Requests
// carry sparse overrides; Defaults() supplies the rest. Kept untyped
// because text and image pipelines share the bag while honoring
// different keys.
type GenerationConfig map[string]interface{}

// Defaults returns a fresh copy of the built-in generation config.
func Defaults() GenerationConfig {
	return GenerationConfig{
		"max_new_tokens":        1024,
		"temperature":           0.7,
		"top_p":                 0.9,
		"top_k":                 40,
		"repetition_penalty":    1.1,
		"do_sample":             true,
		"system_prompt":         "You are a helpful AI assistant.",
		"max_history_turns":     10,
		"add_generation_prompt": true,
		"enable_thinking":       true,
		"skip_special_tokens":   true,
		"negative_prompt":       "",
		"width":                 1024,
		"height":                1024,
		"num_inference_steps":   4,
		"guidance_scale":        0.0,
		"num_images_per_prompt": 1,
		"rng_seed":              -1,
	}
}

// Merged returns Defaults() overlaid with the request's sparse overrides.
func Merged(overrides GenerationConfig) GenerationConfig {
	merged := Defaults()
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// Option describes a single tunable setting for the frontend.
type Option struct {
	Type     string      `json:"type"`
	Min      interface{} `json:"min,omitempty"`
	Max      interface{} `json:"max,omitempty"`
	Step     interface{} `json:"step,omitempty"`
	Default  interface{} `json:"default"`
	LabelKey string      `json:"label_key"`
	Widget   string      `json:"widget"`
}

// Group is a titled collection of options.
type Group struct {
	TitleKey string            `json:"title_key"`
	Options  map[string]Option `json:"options"`
}

// Groups returns the settings panel layout. The order is fixed:
// generation, context, advanced.
func Groups() []Group {
	return []Group{
		{
			TitleKey: "grp_generation",
			Options: map[string]Option{
				"max_new_tokens": {
					Type: "int", Min: 128, Max: 8192, Step: 128, Default: 1024,
					LabelKey: "conf_max_tokens", Widget: "slider",
				},
				"temperature": {
					Type: "float", Min: 0.0, Max: 2.0, Step: 0.1, Default: 0.7,
					LabelKey: "conf_temp", Widget: "slider",
				},
				"top_p": {
					Type: "float", Min: 0.0, Max: 1.0, Step: 0.05, Default: 0.9,
					LabelKey: "conf_top_p", Widget: "slider",
				},
				"top_k": {
					Type: "int", Min: 1, Max: 100, Step: 1, Default: 40,
					LabelKey: "conf_top_k", Widget: "spin",
				},
				"repetition_penalty": {
					Type: "float", Min: 1.0, Max: 2.0, Step: 0.1, Default: 1.1,
					LabelKey: "conf_rep_penalty", Widget: "spin",
				},
				"do_sample": {
					Type: "bool", Default: true,
					LabelKey: "conf_do_sample", Widget: "checkbox",
				},
			},
		},
		{
			TitleKey: "grp_context",
			Options: map[string]Option{
				"max_history_turns": {
					Type: "int", Min: 0, Max: 50, Step: 1, Default: 10,
					LabelKey: "conf_history_turns", Widget: "slider",
				},
				"system_prompt": {
					Type: "str", Default: "You are a helpful AI assistant.",
					LabelKey: "conf_sys_prompt", Widget: "textarea",
				},
			},
		},
		{
			TitleKey: "grp_advanced",
			Options: map[string]Option{
				"enable_thinking": {
					Type: "bool", Default: true,
					LabelKey: "conf_enable_thinking", Widget: "checkbox",
				},
				"add_generation_prompt": {
					Type: "bool", Default: true,
					LabelKey: "conf_add_gen_prompt", Widget: "checkbox",
				},
				"skip_special_tokens": {
					Type: "bool", Default: true,
					LabelKey: "conf_skip_special", Widget: "checkbox",
				},
			},
		},
	}
}

// AllSettingKeys returns the union of every option key across all groups.
// The settings resolver intersects rule output against this set.
func AllSettingKeys() map[string]struct{} {
	known := make(map[string]struct{})
	for _, g := range Groups() {
		for k := range g.Options {
			known[k] = struct{}{}
		}
	}
	return known
}

// KnownKeys returns every generation key the application understands:
// the defaults' key set, which covers both text and image surfaces.
// The settings resolver intersects supported sets against it.
func KnownKeys() []string {
	defaults := Defaults()
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
