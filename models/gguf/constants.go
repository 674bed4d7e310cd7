package gguf

import "strings"

const (
	// Magic is the little-endian uint32 value of the bytes "GGUF".
	Magic uint32 = 0x46554747
	// Version is the only container version read and written.
	Version uint32 = 3
	// DefaultAlignment is used when the file has no general.alignment field.
	DefaultAlignment = 32
	// QuantizationVersion is the value written to general.quantization_version.
	QuantizationVersion = 2
)

// Well-known metadata keys.
const (
	KeyGeneralType                = "general.type"
	KeyGeneralArchitecture        = "general.architecture"
	KeyGeneralQuantizationVersion = "general.quantization_version"
	KeyGeneralAlignment           = "general.alignment"
	KeyGeneralFileType            = "general.file_type"
	KeyGeneralName                = "general.name"
	KeyGeneralAuthor              = "general.author"
	KeyGeneralVersion             = "general.version"
	KeyGeneralOrganization        = "general.organization"
	KeyGeneralFinetune            = "general.finetune"
	KeyGeneralBasename            = "general.basename"
	KeyGeneralDescription         = "general.description"
	KeyGeneralQuantizedBy         = "general.quantized_by"
	KeyGeneralSizeLabel           = "general.size_label"
	KeyGeneralLicense             = "general.license"
	KeyGeneralLicenseName         = "general.license.name"
	KeyGeneralLicenseLink         = "general.license.link"
	KeyGeneralURL                 = "general.url"
	KeyGeneralDOI                 = "general.doi"
	KeyGeneralUUID                = "general.uuid"
	KeyGeneralRepoURL             = "general.repo_url"
	KeyGeneralSourceURL           = "general.source.url"
	KeyGeneralSourceDOI           = "general.source.doi"
	KeyGeneralSourceUUID          = "general.source.uuid"
	KeyGeneralSourceRepoURL       = "general.source.repo_url"
	KeyGeneralTags                = "general.tags"
	KeyGeneralLanguages           = "general.languages"

	KeyAdapterType      = "adapter.type"
	KeyAdapterLoraAlpha = "adapter.lora.alpha"
)

// Architecture specific keys. Use ArchKey to substitute the architecture name.
const (
	KeyLLMVocabSize             = "{arch}.vocab_size"
	KeyLLMContextLength         = "{arch}.context_length"
	KeyLLMEmbeddingLength       = "{arch}.embedding_length"
	KeyLLMBlockCount            = "{arch}.block_count"
	KeyLLMFeedForwardLength     = "{arch}.feed_forward_length"
	KeyAttentionHeadCount       = "{arch}.attention.head_count"
	KeyAttentionHeadCountKV     = "{arch}.attention.head_count_kv"
	KeyAttentionLayerNormRMSEps = "{arch}.attention.layer_norm_rms_epsilon"
	KeyRopeDimensionCount       = "{arch}.rope.dimension_count"
	KeyRopeFreqBase             = "{arch}.rope.freq_base"
)

// ArchKey expands the "{arch}" placeholder of an architecture specific key,
// e.g. ArchKey(KeyLLMBlockCount, "llama") returns "llama.block_count".
func ArchKey(template, arch string) string {
	return strings.ReplaceAll(template, "{arch}", arch)
}

// alignOffset rounds offset up to the next multiple of alignment.
func alignOffset(offset, alignment uint64) uint64 {
	return offset + (alignment-offset%alignment)%alignment
}
