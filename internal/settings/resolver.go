package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roelfdiedericks/idlenpu/internal/scanner"
)

// typicalImageParams is the documented fallback surface when no engine
// is available to introspect the image pipeline's config object.
var typicalImageParams = []string{
	"negative_prompt", "num_inference_steps", "guidance_scale",
	"width", "height", "num_images_per_prompt", "rng_seed",
	"max_sequence_length",
}

// Resolver computes the supported setting keys for a model.
type Resolver struct {
	Schema *Schema

	// ImageParams introspects the image pipeline's parameter surface
	// from the loaded engine. Nil or empty falls back to the typical set.
	ImageParams func() []string
}

// SupportedKeys implements the resolution order: image introspection,
// schema rule, mode expansion, app_keys/include/exclude adjustment,
// intersection with allKnown, then fail-open.
func (r *Resolver) SupportedKeys(modelName, modelPath string, allKnown []string) []string {
	known := toSet(allKnown)

	if scanner.DetectKind(modelPath) == scanner.KindImage {
		surface := typicalImageParams
		if r.ImageParams != nil {
			if s := r.ImageParams(); len(s) > 0 {
				surface = s
			}
		}
		return sortedList(intersect(toSet(surface), known))
	}

	schema := r.Schema
	if schema == nil {
		schema = &Schema{}
	}

	candidates := []string{modelName, filepath.Base(modelPath)}
	rule, _ := schema.ruleFor(candidates)

	var supported map[string]struct{}
	switch rule.Mode {
	case ModeAuto:
		keys := generationConfigKeys(modelPath)
		if len(keys) == 0 {
			supported = toSet(allKnown)
		} else {
			supported = toSet(keys)
		}
	case ModeList:
		supported = toSet(rule.SupportedKeys)
	case ModeNone:
		supported = map[string]struct{}{}
	default: // ModeAll
		supported = toSet(allKnown)
	}

	for _, k := range rule.AppKeys {
		supported[k] = struct{}{}
	}
	for _, k := range rule.Include {
		supported[k] = struct{}{}
	}
	for _, k := range rule.Exclude {
		delete(supported, k)
	}

	result := intersect(supported, known)
	if len(result) == 0 && len(known) > 0 {
		// Fail open: an over-restrictive schema must never leave the
		// settings panel empty.
		result = known
	}
	return sortedList(result)
}

// bestMatch finds the schema rule a model falls under. A rule matches
// when a candidate name equals the rule key or an alias, or is a
// substring of it, case-insensitively (local folder names are
// substrings of the repo IDs that key the rules). Exact matches beat
// substring matches, longer keys beat shorter ones.
func (s *Schema) bestMatch(candidates []string) (string, bool) {
	lowered := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			lowered = append(lowered, c)
		}
	}

	var (
		bestKey   string
		bestExact bool
		found     bool
	)
	consider := func(key string, exact bool) {
		if !found ||
			(exact && !bestExact) ||
			(exact == bestExact && (len(key) > len(bestKey) || (len(key) == len(bestKey) && key < bestKey))) {
			bestKey, bestExact, found = key, exact, true
		}
	}

	for key, rule := range s.Models {
		names := append([]string{key}, rule.Aliases...)
		for _, name := range names {
			ln := strings.ToLower(name)
			for _, c := range lowered {
				if c == ln {
					consider(key, true)
				} else if strings.Contains(ln, c) {
					consider(key, false)
				}
			}
		}
	}
	return bestKey, found
}

// generationConfigKeys returns the top-level keys of the model's
// generation_config.json, or nil when absent or malformed.
func generationConfigKeys(modelPath string) []string {
	raw, err := os.ReadFile(filepath.Join(modelPath, "generation_config.json"))
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func sortedList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
