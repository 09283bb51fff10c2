package modelapi

import (
	"mime"
	"path/filepath"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
)

func init() {
	register(FlavorChat, &definition{
		request: []requestExtractor{
			{"model", func(b jsonutil.Object, r *ExtractedRequest) {
				if m := stringOf(b["model"]); m != "" {
					r.Model = m
				}
			}},
			{"max_tokens", func(b jsonutil.Object, r *ExtractedRequest) { r.MaxTokens = intPtr(b["max_completion_tokens"]) }},
			{"temperature", func(b jsonutil.Object, r *ExtractedRequest) { r.Temperature = floatPtr(b["temperature"]) }},
			{"top_p", func(b jsonutil.Object, r *ExtractedRequest) { r.TopP = floatPtr(b["top_p"]) }},
			{"seed", func(b jsonutil.Object, r *ExtractedRequest) { r.Seed = intPtr(b["seed"]) }},
			{"stop", func(b jsonutil.Object, r *ExtractedRequest) { r.StopSequences, _ = jsonutil.Strings(b["stop"]) }},
			{"input_messages", func(b jsonutil.Object, r *ExtractedRequest) {
				msgs := objects(b["messages"])
				r.InputMessages = make([]Message, 0, len(msgs))
				for _, m := range msgs {
					r.InputMessages = append(r.InputMessages, chatInputMessage(m))
				}
			}},
		},
		response: []responseExtractor{
			{"model", func(b jsonutil.Object, r *ExtractedResponse) { r.Model = stringOf(b["model"]) }},
			{"id", func(b jsonutil.Object, r *ExtractedResponse) { r.ID = stringOf(b["id"]) }},
			{"usage", func(b jsonutil.Object, r *ExtractedResponse) {
				if u, ok := jsonutil.Map(b["usage"]); ok {
					r.Usage = chatUsage(u)
				}
			}},
			{"finish_reasons", func(b jsonutil.Object, r *ExtractedResponse) {
				r.FinishReasons = chatFinishReasons(b)
			}},
			{"output_messages", func(b jsonutil.Object, r *ExtractedResponse) {
				choices := objects(b["choices"])
				r.OutputMessages = make([]Message, 0, len(choices))
				for _, c := range choices {
					msg, _ := jsonutil.Map(c["message"])
					r.OutputMessages = append(r.OutputMessages, Message{
						Role:         stringOf(msg["role"]),
						Parts:        chatOutputParts(msg),
						FinishReason: stringOf(c["finish_reason"]),
					})
				}
			}},
		},
		chunk: []responseExtractor{
			{"usage", func(c jsonutil.Object, r *ExtractedResponse) {
				if u, ok := jsonutil.Map(c["usage"]); ok {
					if usage := chatUsage(u); usage != nil {
						r.Usage = usage
					}
				}
			}},
			{"model", func(c jsonutil.Object, r *ExtractedResponse) {
				if m := stringOf(c["model"]); m != "" {
					r.Model = m
				}
			}},
			{"id", func(c jsonutil.Object, r *ExtractedResponse) {
				if id := stringOf(c["id"]); id != "" {
					r.ID = id
				}
			}},
			{"finish_reasons", func(c jsonutil.Object, r *ExtractedResponse) {
				if reasons := chatFinishReasons(c); reasons != nil {
					r.FinishReasons = reasons
				}
			}},
		},
	})

	register(FlavorEmbeddings, &definition{
		request: []requestExtractor{
			{"model", func(b jsonutil.Object, r *ExtractedRequest) {
				if m := stringOf(b["model"]); m != "" {
					r.Model = m
				}
			}},
		},
		response: []responseExtractor{
			{"model", func(b jsonutil.Object, r *ExtractedResponse) { r.Model = stringOf(b["model"]) }},
			{"usage", func(b jsonutil.Object, r *ExtractedResponse) {
				if u, ok := jsonutil.Map(b["usage"]); ok {
					r.Usage = chatUsage(u)
				}
			}},
		},
	})
}

func chatFinishReasons(b jsonutil.Object) []string {
	var reasons []string
	for _, c := range objects(b["choices"]) {
		if fr := stringOf(c["finish_reason"]); fr != "" {
			reasons = append(reasons, fr)
		}
	}
	return reasons
}

// chatRole maps chat roles onto the system/user/assistant set.
func chatRole(role string) string {
	switch role {
	case "function", "tool":
		return "assistant"
	case "developer":
		return "system"
	}
	return role
}

func chatInputMessage(m jsonutil.Object) Message {
	msg := Message{Role: chatRole(stringOf(m["role"])), Parts: []Part{}}
	switch content := m["content"].(type) {
	case string:
		msg.Parts = append(msg.Parts, Part{Type: "text", Content: content})
	case []any:
		for _, raw := range content {
			p, ok := jsonutil.Map(raw)
			if !ok {
				msg.Parts = append(msg.Parts, unknownPart(raw))
				continue
			}
			msg.Parts = append(msg.Parts, chatInputPart(p))
		}
	}
	return msg
}

func chatInputPart(p jsonutil.Object) Part {
	switch stringOf(p["type"]) {
	case "text":
		return Part{Type: "text", Content: stringOf(p["text"])}
	case "image_url":
		return Part{Type: "file_data", FileURI: stringOf(jsonutil.Path(p, "image_url", "url"))}
	case "input_audio":
		format := stringOf(jsonutil.Path(p, "input_audio", "format"))
		mimeType := mime.TypeByExtension("." + format)
		if mimeType == "" {
			mimeType = "audio/" + format
		}
		return Part{Type: "blob", MimeType: mimeType, Data: stringOf(jsonutil.Path(p, "input_audio", "data"))}
	case "file":
		if data := stringOf(jsonutil.Path(p, "file", "file_data")); data != "" {
			var mimeType string
			if name := stringOf(jsonutil.Path(p, "file", "filename")); name != "" {
				mimeType = mime.TypeByExtension(filepath.Ext(name))
			}
			return Part{Type: "blob", MimeType: mimeType, Data: data}
		}
	}
	return unknownPart(p)
}

func chatOutputParts(msg jsonutil.Object) []Part {
	parts := []Part{}
	if content, ok := msg["content"].(string); ok {
		return append(parts, Part{Type: "text", Content: content})
	}
	for _, tc := range objects(msg["tool_calls"]) {
		parts = append(parts, Part{
			Type:      "tool_call",
			ID:        stringOf(tc["id"]),
			Name:      stringOf(jsonutil.Path(tc, "function", "name")),
			Arguments: jsonutil.Path(tc, "function", "arguments"),
		})
	}
	return parts
}
