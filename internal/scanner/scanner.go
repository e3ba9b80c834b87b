// Package scanner discovers OpenVINO model directories under the models
// root and classifies them by pipeline kind.
package scanner

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Model kinds, in detection precedence order.
const (
	KindASR   = "asr"
	KindImage = "image"
	KindVLM   = "vlm"
	KindLLM   = "llm"
)

// Model is one discovered model directory.
type Model struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// DefaultMaxDepth caps recursion below each scan root.
const DefaultMaxDepth = 4

var (
	tokenizerPatterns = []string{"tokenizer*.json", "vocab.json", "merges.txt", "*.model", "special_tokens_map.json"}
	irPatterns        = []string{"*.xml", "openvino_model.xml"}

	vlmMarkers = []string{
		"openvino_vision_embeddings_model.xml",
		"openvino_vision_model.xml",
		"openvino_image_embeddings_model.xml",
	}
	languageMarker = "openvino_language_model.xml"
	llmMarkers     = []string{"openvino_model.xml", languageMarker}

	encoderMarker = "openvino_encoder_model.xml"
	decoderMarker = "openvino_decoder_model.xml"

	// Subdirectories that mark a diffusion pipeline layout.
	pipelineSubdirs = []string{
		"scheduler", "text_encoder", "text_encoder_2", "tokenizer",
		"tokenizer_2", "transformer", "vae_decoder", "vae_encoder",
	}

	asrTasks = map[string]bool{
		"automatic-speech-recognition": true,
		"auto-speech-recognition":      true,
		"speech-recognition":           true,
		"asr":                          true,
	}
	imageTasks = map[string]bool{
		"text-to-image":           true,
		"text-to-image-synthesis": true,
		"image-generation":        true,
	}
)

// ScanDirs walks each root up to maxDepth and returns the deduplicated
// model list sorted by name, case-insensitively. Unreadable directories
// are skipped.
func ScanDirs(roots []string, maxDepth int) []Model {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	seen := make(map[string]bool)
	var found []Model

	add := func(dir, kind string) {
		key := canonical(dir)
		if seen[key] {
			return
		}
		seen[key] = true
		found = append(found, Model{Name: filepath.Base(dir), Path: key, Kind: kind})
	}

	var walk func(root string, depth int)
	walk = func(root string, depth int) {
		if depth > maxDepth {
			return
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			return
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			d := filepath.Join(root, e.Name())

			kind := DetectKind(d)
			if kind == KindImage {
				// Image pipelines own their whole tree; never descend.
				add(d, kind)
				continue
			}

			hasIRHere := hasAnyHere(d, irPatterns)
			hasIRSub := false
			if !hasIRHere {
				hasIRSub = hasAnyRecursive(d, irPatterns)
			}

			if hasIRHere || hasIRSub {
				xmlDir := d
				if !hasIRHere {
					if hit, ok := firstMatchRecursive(d, irPatterns); ok {
						xmlDir = filepath.Dir(hit)
					}
				}
				modelRoot := nearestModelRoot(xmlDir)
				if !seen[canonical(modelRoot)] && hasAnyHere(modelRoot, tokenizerPatterns) {
					add(modelRoot, DetectKind(modelRoot))
				}
			}

			walk(d, depth+1)
		}
	}

	for _, r := range roots {
		walk(r, 0)
	}

	sort.SliceStable(found, func(i, j int) bool {
		return strings.ToLower(found[i].Name) < strings.ToLower(found[j].Name)
	})
	return found
}

// DetectKind classifies a model directory. Precedence: asr, image, vlm,
// llm. Unknown layouts default to llm so the caller can still offer them.
func DetectKind(dir string) string {
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return KindLLM
	}

	if isASR(dir) {
		return KindASR
	}
	if isImage(dir) {
		return KindImage
	}

	hasLanguage := hasAnyRecursive(dir, []string{languageMarker})
	hasVision := hasAnyRecursive(dir, vlmMarkers)
	if hasLanguage && hasVision {
		return KindVLM
	}
	return KindLLM
}

func isASR(dir string) bool {
	if asrTasks[jsonStringField(filepath.Join(dir, "configuration.json"), "task")] {
		return true
	}
	class := strings.ToLower(jsonStringField(filepath.Join(dir, "model_index.json"), "_class_name"))
	if strings.Contains(class, "whisper") || strings.Contains(class, "speech") {
		return true
	}
	if strings.Contains(strings.ToLower(jsonStringField(filepath.Join(dir, "config.json"), "model_type")), "whisper") {
		return true
	}
	if strings.Contains(strings.ToLower(filepath.Base(dir)), "whisper") {
		return true
	}
	return hasAnyRecursive(dir, []string{encoderMarker}) && hasAnyRecursive(dir, []string{decoderMarker})
}

func isImage(dir string) bool {
	if imageTasks[jsonStringField(filepath.Join(dir, "configuration.json"), "task")] {
		return true
	}
	if _, err := os.Stat(filepath.Join(dir, "model_index.json")); err == nil {
		return true
	}
	for _, sub := range pipelineSubdirs {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err == nil && fi.IsDir() {
			return true
		}
	}
	return false
}

// nearestModelRoot walks up at most 3 levels from the IR directory to
// find the ancestor carrying tokenizer artifacts. Some exports keep the
// xml in a precision subfolder (FP16/) with the tokenizer above it.
func nearestModelRoot(xmlDir string) string {
	cur := xmlDir
	for i := 0; i < 3; i++ {
		if hasAnyHere(cur, tokenizerPatterns) {
			return cur
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	return xmlDir
}

// hasAnyHere reports whether dir directly contains a file matching any
// of the glob patterns.
func hasAnyHere(dir string, patterns []string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for _, p := range patterns {
			if ok, _ := filepath.Match(p, e.Name()); ok {
				return true
			}
		}
	}
	return false
}

// hasAnyRecursive reports whether any file under dir matches any pattern.
func hasAnyRecursive(dir string, patterns []string) bool {
	_, ok := firstMatchRecursive(dir, patterns)
	return ok
}

// firstMatchRecursive returns the first file under dir whose base name
// matches a pattern. Patterns are tried in order, so an earlier pattern
// wins over a shallower match of a later one.
func firstMatchRecursive(dir string, patterns []string) (string, bool) {
	for _, p := range patterns {
		var hit string
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if ok, _ := filepath.Match(p, d.Name()); ok {
				hit = path
				return fs.SkipAll
			}
			return nil
		})
		if hit != "" {
			return hit, true
		}
	}
	return "", false
}

// canonical resolves symlinks where possible so two spellings of the
// same directory dedupe to one entry.
func canonical(dir string) string {
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}

// jsonStringField reads a single top-level string field from a JSON
// file, returning "" on any failure.
func jsonStringField(path, field string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	s, _ := m[field].(string)
	return s
}
