package settings

import (
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/roelfdiedericks/idlenpu/internal/logging"
)

// generationConfigPassthrough lists the generation_config.json keys
// surfaced to the frontend as model-provided defaults.
var generationConfigPassthrough = []string{
	"temperature", "top_p", "top_k", "repetition_penalty",
	"max_new_tokens", "do_sample", "no_repeat_ngram_size",
}

// LoadModelJSONConfigs merges the interesting parts of a model's
// config.json and generation_config.json into one flat map. Missing or
// malformed files contribute nothing.
func LoadModelJSONConfigs(modelPath string) map[string]interface{} {
	merged := make(map[string]interface{})

	if data := readJSONMap(filepath.Join(modelPath, "config.json")); data != nil {
		maxLen, ok := data["max_position_embeddings"]
		if !ok {
			maxLen, ok = data["seq_length"]
		}
		if !ok {
			maxLen = 8192
		}
		merged["model_max_length"] = maxLen

		if v, ok := data["vocab_size"]; ok {
			merged["vocab_size"] = v
		} else {
			merged["vocab_size"] = 0
		}
	}

	if data := readJSONMap(filepath.Join(modelPath, "generation_config.json")); data != nil {
		for _, key := range generationConfigPassthrough {
			if v, ok := data[key]; ok {
				merged[key] = v
			}
		}
		if v, ok := data["eos_token_id"]; ok {
			merged["eos_token_id"] = v
		}
	}

	return merged
}

func readJSONMap(path string) map[string]interface{} {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		L_warn("settings: skipping malformed model config", "path", path, "error", err)
		return nil
	}
	return m
}
