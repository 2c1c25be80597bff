package types

// ModelRecord is one entry of the app catalog. It carries the static
// identity of a declared model; everything else comes from the fetched
// model configuration.
type ModelRecord struct {
	// Stable identifier for the model.
	// example: Llama-3-8B-Instruct-q4f16_1-MLC
	ModelID string `json:"modelId"`
	// Base URL of the artifact repository the model is fetched from.
	// example: https://huggingface.co/mlc-ai/Llama-3-8B-Instruct-q4f16_1-MLC
	ModelURL string `json:"modelUrl"`
	// Identifier of the engine library used to run this model.
	// example: llama_q4f16_1
	ModelLib string `json:"modelLib"`
	// Estimated resource footprint in bytes.
	// example: 4348727787
	EstimatedVRAMBytes int64 `json:"estimatedVramBytes"`
}

// AppCatalog is the declared model catalog, bundled by default and
// overridable by a copy persisted in the app directory.
type AppCatalog struct {
	ModelLibs []string      `json:"model_libs"`
	ModelList []ModelRecord `json:"model_list"`
}

// ModelConfig is the per-model configuration fetched from
// <modelUrl>/resolve/main/mlc-chat-config.json. The identity fields are
// overwritten from the catalog record after every load so the two can
// never drift apart.
type ModelConfig struct {
	ModelID            string   `json:"model_id"`
	ModelLib           string   `json:"model_lib"`
	EstimatedVRAMBytes int64    `json:"estimated_vram_bytes"`
	TokenizerFiles     []string `json:"tokenizer_files"`
}

// ParamsRecord names one weight shard relative to the model directory.
type ParamsRecord struct {
	DataPath string `json:"dataPath"`
	NBytes   int64  `json:"nbytes,omitempty"`
	MD5Sum   string `json:"md5sum,omitempty"`
}

// ParamsManifest is the weight-shard manifest fetched from
// <modelUrl>/resolve/main/tensor-cache.json.
type ParamsManifest struct {
	Records []ParamsRecord `json:"records"`
}
