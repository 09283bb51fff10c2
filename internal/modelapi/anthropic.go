package modelapi

import "github.com/vnmchuo/ai-gateway/internal/jsonutil"

func init() {
	register(FlavorAnthropic, &definition{
		request: []requestExtractor{
			{"model", func(b jsonutil.Object, r *ExtractedRequest) {
				if m := stringOf(b["model"]); m != "" {
					r.Model = m
				}
			}},
			{"max_tokens", func(b jsonutil.Object, r *ExtractedRequest) { r.MaxTokens = intPtr(b["max_tokens"]) }},
			{"temperature", func(b jsonutil.Object, r *ExtractedRequest) { r.Temperature = floatPtr(b["temperature"]) }},
			{"top_k", func(b jsonutil.Object, r *ExtractedRequest) { r.TopK = intPtr(b["top_k"]) }},
			{"top_p", func(b jsonutil.Object, r *ExtractedRequest) { r.TopP = floatPtr(b["top_p"]) }},
			{"stop_sequences", func(b jsonutil.Object, r *ExtractedRequest) {
				r.StopSequences, _ = jsonutil.Strings(b["stop_sequences"])
			}},
			{"system_instructions", func(b jsonutil.Object, r *ExtractedRequest) {
				switch s := b["system"].(type) {
				case string:
					r.SystemInstructions = []Part{{Type: "text", Content: s}}
				case []any:
					for _, p := range objects(s) {
						r.SystemInstructions = append(r.SystemInstructions, Part{Type: "text", Content: stringOf(p["text"])})
					}
				}
			}},
			{"input_messages", func(b jsonutil.Object, r *ExtractedRequest) {
				msgs := objects(b["messages"])
				r.InputMessages = make([]Message, 0, len(msgs))
				for _, m := range msgs {
					r.InputMessages = append(r.InputMessages, Message{
						Role:  stringOf(m["role"]),
						Parts: anthropicParts(m["content"]),
					})
				}
			}},
		},
		response: []responseExtractor{
			{"model", func(b jsonutil.Object, r *ExtractedResponse) { r.Model = stringOf(b["model"]) }},
			{"id", func(b jsonutil.Object, r *ExtractedResponse) { r.ID = stringOf(b["id"]) }},
			{"usage", func(b jsonutil.Object, r *ExtractedResponse) {
				if u, ok := jsonutil.Map(b["usage"]); ok {
					r.Usage = anthropicUsage(u, nil)
				}
			}},
			{"finish_reasons", func(b jsonutil.Object, r *ExtractedResponse) {
				if reason := stringOf(b["stop_reason"]); reason != "" {
					r.FinishReasons = []string{reason}
				}
			}},
			{"output_messages", func(b jsonutil.Object, r *ExtractedResponse) {
				r.OutputMessages = []Message{{
					Role:         stringOf(b["role"]),
					Parts:        anthropicParts(b["content"]),
					FinishReason: stringOf(b["stop_reason"]),
				}}
			}},
		},
		chunk: []responseExtractor{
			{"usage", func(c jsonutil.Object, r *ExtractedResponse) {
				u, ok := jsonutil.Map(c["usage"])
				if !ok {
					u, ok = jsonutil.Map(jsonutil.Path(c, "message", "usage"))
				}
				if ok {
					r.Usage = anthropicUsage(u, r.Usage)
				}
			}},
			{"model", func(c jsonutil.Object, r *ExtractedResponse) {
				if stringOf(c["type"]) == "message_start" {
					r.Model = stringOf(jsonutil.Path(c, "message", "model"))
				}
			}},
			{"id", func(c jsonutil.Object, r *ExtractedResponse) {
				if stringOf(c["type"]) == "message_start" {
					r.ID = stringOf(jsonutil.Path(c, "message", "id"))
				}
			}},
			{"finish_reasons", func(c jsonutil.Object, r *ExtractedResponse) {
				if reason := stringOf(jsonutil.Path(c, "delta", "stop_reason")); reason != "" {
					r.FinishReasons = []string{reason}
				}
			}},
		},
	})
}

var anthropicToolResults = map[string]bool{
	"tool_result":                            true,
	"code_execution_tool_result":             true,
	"bash_code_execution_tool_result":        true,
	"text_editor_code_execution_tool_result": true,
	"web_search_tool_result":                 true,
	"web_fetch_tool_result":                  true,
}

func anthropicParts(content any) []Part {
	parts := []Part{}
	if s, ok := content.(string); ok {
		return append(parts, Part{Type: "text", Content: s})
	}

	toolNames := map[string]string{}
	for _, p := range objects(content) {
		typ := stringOf(p["type"])
		switch {
		case typ == "text":
			parts = append(parts, Part{Type: "text", Content: stringOf(p["text"])})
		case typ == "thinking":
			parts = append(parts, Part{Type: "thinking", Content: stringOf(p["thinking"])})
		case typ == "image" && stringOf(jsonutil.Path(p, "source", "type")) == "base64":
			parts = append(parts, Part{
				Type:     "blob",
				MimeType: stringOf(jsonutil.Path(p, "source", "media_type")),
				Data:     stringOf(jsonutil.Path(p, "source", "data")),
			})
		case typ == "image" && stringOf(jsonutil.Path(p, "source", "type")) == "url":
			parts = append(parts, Part{Type: "file_data", FileURI: stringOf(jsonutil.Path(p, "source", "url"))})
		case typ == "tool_use" || typ == "server_tool_use":
			id := stringOf(p["id"])
			toolNames[id] = stringOf(p["name"])
			parts = append(parts, Part{
				Type:      "tool_call",
				ID:        id,
				Name:      toolNames[id],
				Arguments: p["input"],
				Builtin:   typ == "server_tool_use",
			})
		case anthropicToolResults[typ]:
			id := stringOf(p["tool_use_id"])
			parts = append(parts, Part{
				Type:    "tool_call_response",
				ID:      id,
				Name:    toolNames[id],
				Result:  p["content"],
				Builtin: typ != "tool_result",
			})
		default:
			parts = append(parts, unknownPart(p))
		}
	}
	return parts
}
