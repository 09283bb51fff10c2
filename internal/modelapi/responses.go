package modelapi

import "github.com/vnmchuo/ai-gateway/internal/jsonutil"

func init() {
	register(FlavorResponses, &definition{
		request: []requestExtractor{
			{"model", func(b jsonutil.Object, r *ExtractedRequest) {
				if m := stringOf(b["model"]); m != "" {
					r.Model = m
				}
			}},
			{"max_tokens", func(b jsonutil.Object, r *ExtractedRequest) { r.MaxTokens = intPtr(b["max_output_tokens"]) }},
			{"temperature", func(b jsonutil.Object, r *ExtractedRequest) { r.Temperature = floatPtr(b["temperature"]) }},
			{"top_p", func(b jsonutil.Object, r *ExtractedRequest) { r.TopP = floatPtr(b["top_p"]) }},
			{"system_instructions", func(b jsonutil.Object, r *ExtractedRequest) {
				if s := stringOf(b["instructions"]); s != "" {
					r.SystemInstructions = []Part{{Type: "text", Content: s}}
				}
			}},
			{"input_messages", func(b jsonutil.Object, r *ExtractedRequest) {
				switch input := b["input"].(type) {
				case string:
					r.InputMessages = []Message{{Role: "user", Parts: []Part{{Type: "text", Content: input}}}}
				case []any:
					r.InputMessages = make([]Message, 0, len(input))
					for _, raw := range input {
						item, _ := jsonutil.Map(raw)
						r.InputMessages = append(r.InputMessages, responsesInputMessage(item))
					}
				}
			}},
		},
		response: []responseExtractor{
			{"model", func(b jsonutil.Object, r *ExtractedResponse) { r.Model = stringOf(b["model"]) }},
			{"id", func(b jsonutil.Object, r *ExtractedResponse) { r.ID = stringOf(b["id"]) }},
			{"usage", func(b jsonutil.Object, r *ExtractedResponse) {
				if u, ok := jsonutil.Map(b["usage"]); ok {
					r.Usage = responsesUsage(u)
				}
			}},
			{"finish_reasons", func(b jsonutil.Object, r *ExtractedResponse) {
				if reason := stringOf(jsonutil.Path(b, "incomplete_details", "reason")); reason != "" {
					r.FinishReasons = []string{reason}
				}
			}},
			{"output_messages", func(b jsonutil.Object, r *ExtractedResponse) {
				items := objects(b["output"])
				r.OutputMessages = make([]Message, 0, len(items))
				for _, item := range items {
					r.OutputMessages = append(r.OutputMessages, responsesOutputMessage(item))
				}
			}},
		},
		// stream events wrap the response object: response.created,
		// response.completed, response.incomplete.
		chunk: []responseExtractor{
			{"model", func(c jsonutil.Object, r *ExtractedResponse) {
				if m := stringOf(jsonutil.Path(c, "response", "model")); m != "" {
					r.Model = m
				}
			}},
			{"id", func(c jsonutil.Object, r *ExtractedResponse) {
				if id := stringOf(jsonutil.Path(c, "response", "id")); id != "" {
					r.ID = id
				}
			}},
			{"usage", func(c jsonutil.Object, r *ExtractedResponse) {
				if u, ok := jsonutil.Map(jsonutil.Path(c, "response", "usage")); ok {
					if usage := responsesUsage(u); usage != nil {
						r.Usage = usage
					}
				}
			}},
		},
	})
}

func systemRole(role string) string {
	if role == "developer" {
		return "system"
	}
	return role
}

func responsesInputMessage(item jsonutil.Object) Message {
	typ := stringOf(item["type"])
	switch typ {
	case "message", "":
		role := stringOf(item["role"])
		switch content := item["content"].(type) {
		case string:
			return Message{Role: systemRole(role), Parts: []Part{{Type: "text", Content: content}}}
		case []any:
			parts := make([]Part, 0, len(content))
			for _, raw := range content {
				p, _ := jsonutil.Map(raw)
				parts = append(parts, responsesContentPart(p))
			}
			return Message{Role: systemRole(role), Parts: parts}
		}
	case "function_call":
		return Message{Role: "assistant", Parts: []Part{{
			Type: "tool_call", ID: stringOf(item["call_id"]), Name: stringOf(item["name"]), Arguments: item["arguments"],
		}}}
	case "function_call_output":
		return Message{Role: "tool", Parts: []Part{{
			Type: "tool_call_response", ID: stringOf(item["call_id"]), Result: item["output"],
		}}}
	case "reasoning":
		return Message{Role: "assistant", Parts: reasoningParts(item)}
	default:
		return Message{Role: "tool", Parts: []Part{unknownPart(item)}}
	}
	return Message{Role: "user", Parts: []Part{unknownPart(item)}}
}

func responsesContentPart(p jsonutil.Object) Part {
	switch stringOf(p["type"]) {
	case "input_text", "output_text":
		return Part{Type: "text", Content: stringOf(p["text"])}
	case "input_image":
		if u := stringOf(p["image_url"]); u != "" {
			return Part{Type: "file_data", FileURI: u}
		}
		if id := stringOf(p["file_id"]); id != "" {
			return Part{Type: "file_data", FileURI: id}
		}
	}
	return unknownPart(p)
}

func reasoningParts(item jsonutil.Object) []Part {
	summary := objects(item["summary"])
	parts := make([]Part, 0, len(summary))
	for _, s := range summary {
		parts = append(parts, Part{Type: "thinking", Content: stringOf(s["text"])})
	}
	return parts
}

func responsesOutputMessage(item jsonutil.Object) Message {
	switch stringOf(item["type"]) {
	case "message":
		content := objects(item["content"])
		parts := make([]Part, 0, len(content))
		for _, p := range content {
			parts = append(parts, responsesContentPart(p))
		}
		return Message{Role: stringOf(item["role"]), Parts: parts}
	case "function_call":
		return Message{Role: "assistant", Parts: []Part{{
			Type: "tool_call", ID: stringOf(item["call_id"]), Name: stringOf(item["name"]), Arguments: item["arguments"],
		}}}
	case "reasoning":
		return Message{Role: "assistant", Parts: reasoningParts(item)}
	}
	return Message{Role: "assistant", Parts: []Part{unknownPart(item)}}
}
