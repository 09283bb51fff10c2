package modelapi

import "github.com/vnmchuo/ai-gateway/internal/jsonutil"

// Bedrock Converse. The model id lives in the URL, so the request model is
// seeded by New. Stream payloads arrive either bare (the event type is only
// in the frame header) or wrapped under the event name.
func init() {
	register(FlavorConverse, &definition{
		request: []requestExtractor{
			{"max_tokens", func(b jsonutil.Object, r *ExtractedRequest) {
				r.MaxTokens = intPtr(jsonutil.Path(b, "inferenceConfig", "maxTokens"))
			}},
			{"temperature", func(b jsonutil.Object, r *ExtractedRequest) {
				r.Temperature = floatPtr(jsonutil.Path(b, "inferenceConfig", "temperature"))
			}},
			{"top_p", func(b jsonutil.Object, r *ExtractedRequest) {
				r.TopP = floatPtr(jsonutil.Path(b, "inferenceConfig", "topP"))
			}},
			{"stop_sequences", func(b jsonutil.Object, r *ExtractedRequest) {
				r.StopSequences, _ = jsonutil.Strings(jsonutil.Path(b, "inferenceConfig", "stopSequences"))
			}},
			{"system_instructions", func(b jsonutil.Object, r *ExtractedRequest) {
				for _, s := range objects(b["system"]) {
					if text, ok := s["text"].(string); ok {
						r.SystemInstructions = append(r.SystemInstructions, Part{Type: "text", Content: text})
					}
				}
			}},
			{"input_messages", func(b jsonutil.Object, r *ExtractedRequest) {
				msgs := objects(b["messages"])
				r.InputMessages = make([]Message, 0, len(msgs))
				for _, m := range msgs {
					r.InputMessages = append(r.InputMessages, Message{
						Role:  stringOf(m["role"]),
						Parts: converseParts(m["content"]),
					})
				}
			}},
		},
		response: []responseExtractor{
			{"usage", func(b jsonutil.Object, r *ExtractedResponse) {
				if u, ok := jsonutil.Map(b["usage"]); ok {
					r.Usage = converseUsage(u)
				}
			}},
			{"finish_reasons", func(b jsonutil.Object, r *ExtractedResponse) {
				if reason := stringOf(b["stopReason"]); reason != "" {
					r.FinishReasons = []string{reason}
				}
			}},
			{"output_messages", func(b jsonutil.Object, r *ExtractedResponse) {
				msg, ok := jsonutil.Map(jsonutil.Path(b, "output", "message"))
				if !ok {
					return
				}
				r.OutputMessages = []Message{{
					Role:         stringOf(msg["role"]),
					Parts:        converseParts(msg["content"]),
					FinishReason: stringOf(b["stopReason"]),
				}}
			}},
		},
		chunk: []responseExtractor{
			{"usage", func(c jsonutil.Object, r *ExtractedResponse) {
				u, ok := jsonutil.Map(jsonutil.Path(c, "metadata", "usage"))
				if !ok {
					u, ok = jsonutil.Map(c["usage"])
				}
				if ok {
					if usage := converseUsage(u); usage != nil {
						r.Usage = usage
					}
				}
			}},
			{"finish_reasons", func(c jsonutil.Object, r *ExtractedResponse) {
				reason := stringOf(jsonutil.Path(c, "messageStop", "stopReason"))
				if reason == "" {
					reason = stringOf(c["stopReason"])
				}
				if reason != "" {
					r.FinishReasons = []string{reason}
				}
			}},
		},
	})
}

func converseParts(content any) []Part {
	parts := []Part{}
	for _, p := range objects(content) {
		switch {
		case p["text"] != nil:
			parts = append(parts, Part{Type: "text", Content: stringOf(p["text"])})
		case p["toolUse"] != nil:
			parts = append(parts, Part{
				Type:      "tool_call",
				ID:        stringOf(jsonutil.Path(p, "toolUse", "toolUseId")),
				Name:      stringOf(jsonutil.Path(p, "toolUse", "name")),
				Arguments: jsonutil.Path(p, "toolUse", "input"),
			})
		case p["toolResult"] != nil:
			parts = append(parts, Part{
				Type:   "tool_call_response",
				ID:     stringOf(jsonutil.Path(p, "toolResult", "toolUseId")),
				Result: jsonutil.Path(p, "toolResult", "content"),
			})
		case p["reasoningContent"] != nil:
			parts = append(parts, Part{
				Type:    "thinking",
				Content: stringOf(jsonutil.Path(p, "reasoningContent", "reasoningText", "text")),
			})
		default:
			parts = append(parts, unknownPart(p))
		}
	}
	return parts
}
