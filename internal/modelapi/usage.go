package modelapi

import "github.com/vnmchuo/ai-gateway/internal/jsonutil"

// Usage is token usage normalized across APIs. InputTokens counts every
// input token, including those also reported as cache reads, cache writes
// or audio.
type Usage struct {
	InputTokens          int64 `json:"input_tokens"`
	OutputTokens         int64 `json:"output_tokens"`
	CacheReadTokens      int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens     int64 `json:"cache_write_tokens,omitempty"`
	InputAudioTokens     int64 `json:"input_audio_tokens,omitempty"`
	CacheAudioReadTokens int64 `json:"cache_audio_read_tokens,omitempty"`
	OutputAudioTokens    int64 `json:"output_audio_tokens,omitempty"`
}

func (u Usage) Attributes() map[string]any {
	return map[string]any{
		"gen_ai.usage.input_tokens":            u.InputTokens,
		"gen_ai.usage.output_tokens":           u.OutputTokens,
		"gen_ai.usage.cache_read_tokens":       u.CacheReadTokens,
		"gen_ai.usage.cache_write_tokens":      u.CacheWriteTokens,
		"gen_ai.usage.input_audio_tokens":      u.InputAudioTokens,
		"gen_ai.usage.cache_audio_read_tokens": u.CacheAudioReadTokens,
		"gen_ai.usage.output_audio_tokens":     u.OutputAudioTokens,
	}
}

func count(obj jsonutil.Object, keys ...string) int64 {
	n, _ := jsonutil.Int(jsonutil.Path(obj, keys...))
	return n
}

func has(obj jsonutil.Object, keys ...string) bool {
	return jsonutil.Path(obj, keys...) != nil
}

// chatUsage reads an OpenAI chat completions or embeddings usage object.
func chatUsage(u jsonutil.Object) *Usage {
	if !has(u, "prompt_tokens") && !has(u, "completion_tokens") {
		return nil
	}
	return &Usage{
		InputTokens:       count(u, "prompt_tokens"),
		OutputTokens:      count(u, "completion_tokens"),
		CacheReadTokens:   count(u, "prompt_tokens_details", "cached_tokens"),
		InputAudioTokens:  count(u, "prompt_tokens_details", "audio_tokens"),
		OutputAudioTokens: count(u, "completion_tokens_details", "audio_tokens"),
	}
}

func responsesUsage(u jsonutil.Object) *Usage {
	if !has(u, "input_tokens") && !has(u, "output_tokens") {
		return nil
	}
	return &Usage{
		InputTokens:     count(u, "input_tokens"),
		OutputTokens:    count(u, "output_tokens"),
		CacheReadTokens: count(u, "input_tokens_details", "cached_tokens"),
	}
}

// anthropicUsage merges u into prev. Streams report input tokens on
// message_start and output tokens on message_delta, so fields absent from u
// keep their previous value.
func anthropicUsage(u jsonutil.Object, prev *Usage) *Usage {
	var out Usage
	var input, cacheRead, cacheWrite int64
	if prev != nil {
		out = *prev
		cacheRead = prev.CacheReadTokens
		cacheWrite = prev.CacheWriteTokens
		input = prev.InputTokens - cacheRead - cacheWrite
	}
	if v, ok := jsonutil.Int(u["input_tokens"]); ok {
		input = v
	}
	if v, ok := jsonutil.Int(u["cache_read_input_tokens"]); ok {
		cacheRead = v
	}
	if v, ok := jsonutil.Int(u["cache_creation_input_tokens"]); ok {
		cacheWrite = v
	}
	if v, ok := jsonutil.Int(u["output_tokens"]); ok {
		out.OutputTokens = v
	}
	out.CacheReadTokens = cacheRead
	out.CacheWriteTokens = cacheWrite
	out.InputTokens = input + cacheRead + cacheWrite
	return &out
}

func googleUsage(u jsonutil.Object) *Usage {
	usage := &Usage{
		InputTokens:     count(u, "promptTokenCount"),
		OutputTokens:    count(u, "candidatesTokenCount") + count(u, "thoughtsTokenCount"),
		CacheReadTokens: count(u, "cachedContentTokenCount"),
	}
	for _, d := range objects(u["promptTokensDetails"]) {
		if stringOf(d["modality"]) == "AUDIO" {
			usage.InputAudioTokens += count(d, "tokenCount")
		}
	}
	for _, d := range objects(u["cacheTokensDetails"]) {
		if stringOf(d["modality"]) == "AUDIO" {
			usage.CacheAudioReadTokens += count(d, "tokenCount")
		}
	}
	for _, d := range objects(u["candidatesTokensDetails"]) {
		if stringOf(d["modality"]) == "AUDIO" {
			usage.OutputAudioTokens += count(d, "tokenCount")
		}
	}
	return usage
}

func converseUsage(u jsonutil.Object) *Usage {
	if !has(u, "inputTokens") && !has(u, "outputTokens") {
		return nil
	}
	read := count(u, "cacheReadInputTokens")
	write := count(u, "cacheWriteInputTokens")
	return &Usage{
		InputTokens:      count(u, "inputTokens") + read + write,
		OutputTokens:     count(u, "outputTokens"),
		CacheReadTokens:  read,
		CacheWriteTokens: write,
	}
}
