package modelapi

import (
	"log/slog"

	"github.com/vnmchuo/ai-gateway/internal/jsonutil"
)

func init() {
	register(FlavorGoogle, &definition{
		request: []requestExtractor{
			{"max_tokens", func(b jsonutil.Object, r *ExtractedRequest) {
				r.MaxTokens = intPtr(jsonutil.Path(b, "generationConfig", "maxOutputTokens"))
			}},
			{"temperature", func(b jsonutil.Object, r *ExtractedRequest) {
				r.Temperature = floatPtr(jsonutil.Path(b, "generationConfig", "temperature"))
			}},
			{"top_p", func(b jsonutil.Object, r *ExtractedRequest) {
				r.TopP = floatPtr(jsonutil.Path(b, "generationConfig", "topP"))
			}},
			{"top_k", func(b jsonutil.Object, r *ExtractedRequest) {
				r.TopK = intPtr(jsonutil.Path(b, "generationConfig", "topK"))
			}},
			{"seed", func(b jsonutil.Object, r *ExtractedRequest) {
				r.Seed = intPtr(jsonutil.Path(b, "generationConfig", "seed"))
			}},
			{"stop_sequences", func(b jsonutil.Object, r *ExtractedRequest) {
				r.StopSequences, _ = jsonutil.Strings(jsonutil.Path(b, "generationConfig", "stopSequences"))
			}},
			{"system_instructions", func(b jsonutil.Object, r *ExtractedRequest) {
				r.SystemInstructions = googleSystemInstructions(b["systemInstruction"])
			}},
			{"input_messages", func(b jsonutil.Object, r *ExtractedRequest) {
				contents := objects(b["contents"])
				r.InputMessages = make([]Message, 0, len(contents))
				for _, c := range contents {
					r.InputMessages = append(r.InputMessages, googleContent(c))
				}
			}},
		},
		response: []responseExtractor{
			{"model", func(b jsonutil.Object, r *ExtractedResponse) { r.Model = stringOf(b["modelVersion"]) }},
			{"id", func(b jsonutil.Object, r *ExtractedResponse) { r.ID = stringOf(b["responseId"]) }},
			{"usage", googleChunkUsage},
			{"finish_reasons", func(b jsonutil.Object, r *ExtractedResponse) {
				r.FinishReasons = googleFinishReasons(b)
			}},
			{"output_messages", func(b jsonutil.Object, r *ExtractedResponse) {
				candidates := objects(b["candidates"])
				r.OutputMessages = make([]Message, 0, len(candidates))
				for _, c := range candidates {
					content, _ := jsonutil.Map(c["content"])
					msg := googleContent(content)
					msg.FinishReason = stringOf(c["finishReason"])
					r.OutputMessages = append(r.OutputMessages, msg)
				}
			}},
		},
		chunk: []responseExtractor{
			{"usage", googleChunkUsage},
			{"model", func(c jsonutil.Object, r *ExtractedResponse) {
				if m := stringOf(c["modelVersion"]); m != "" {
					r.Model = m
				}
			}},
			{"id", func(c jsonutil.Object, r *ExtractedResponse) {
				if id := stringOf(c["responseId"]); id != "" {
					r.ID = id
				}
			}},
			{"finish_reasons", func(c jsonutil.Object, r *ExtractedResponse) {
				if reasons := googleFinishReasons(c); reasons != nil {
					r.FinishReasons = reasons
				}
			}},
		},
	})
}

// googleChunkUsage ignores usage metadata that only carries trafficType;
// Vertex sends it on intermediate chunks and the full counts at the end.
func googleChunkUsage(c jsonutil.Object, r *ExtractedResponse) {
	u, ok := jsonutil.Map(c["usageMetadata"])
	if !ok {
		return
	}
	for k := range u {
		if k != "trafficType" {
			r.Usage = googleUsage(u)
			return
		}
	}
}

func googleFinishReasons(b jsonutil.Object) []string {
	var reasons []string
	for _, c := range objects(b["candidates"]) {
		if fr := stringOf(c["finishReason"]); fr != "" {
			reasons = append(reasons, fr)
		}
	}
	return reasons
}

var knownGoogleParts = map[string]bool{
	"text": true, "functionCall": true, "functionResponse": true, "fileData": true,
	"inlineData": true, "thought": true, "thoughtSignature": true,
}

func googleContent(content jsonutil.Object) Message {
	role := "user"
	if stringOf(content["role"]) == "model" {
		role = "assistant"
	}
	parts := []Part{}
	for _, p := range objects(content["parts"]) {
		switch {
		case stringOf(p["text"]) != "":
			parts = append(parts, Part{Type: "text", Content: stringOf(p["text"])})
		case p["functionCall"] != nil:
			parts = append(parts, Part{
				Type:      "tool_call",
				ID:        stringOf(jsonutil.Path(p, "functionCall", "id")),
				Name:      stringOf(jsonutil.Path(p, "functionCall", "name")),
				Arguments: jsonutil.Path(p, "functionCall", "args"),
			})
		case p["functionResponse"] != nil:
			parts = append(parts, Part{
				Type:   "tool_call_response",
				ID:     stringOf(jsonutil.Path(p, "functionResponse", "id")),
				Name:   stringOf(jsonutil.Path(p, "functionResponse", "name")),
				Result: jsonutil.Path(p, "functionResponse", "response"),
			})
		case p["fileData"] != nil:
			parts = append(parts, Part{
				Type:     "file_data",
				FileURI:  stringOf(jsonutil.Path(p, "fileData", "fileUri")),
				MimeType: stringOf(jsonutil.Path(p, "fileData", "mimeType")),
			})
		case p["inlineData"] != nil:
			parts = append(parts, Part{
				Type:     "blob",
				MimeType: stringOf(jsonutil.Path(p, "inlineData", "mimeType")),
				Data:     stringOf(jsonutil.Path(p, "inlineData", "data")),
			})
		case stringOf(p["thoughtSignature"]) != "":
			parts = append(parts, Part{Type: "thinking", Content: stringOf(p["thoughtSignature"])})
		}

		for k := range p {
			if !knownGoogleParts[k] {
				slog.Debug("unexpected field on google content part", slog.String("field", k))
			}
		}
	}
	return Message{Role: role, Parts: parts}
}

// googleSystemInstructions accepts a string, a Part, a Content, or a list
// of strings and Parts.
func googleSystemInstructions(v any) []Part {
	var out []Part
	switch s := v.(type) {
	case nil:
		return nil
	case string:
		out = append(out, Part{Type: "text", Content: s})
	case []any:
		for _, e := range s {
			switch p := e.(type) {
			case string:
				out = append(out, Part{Type: "text", Content: p})
			case map[string]any:
				if text, ok := p["text"].(string); ok {
					out = append(out, Part{Type: "text", Content: text})
				}
			}
		}
	case map[string]any:
		if _, ok := s["parts"]; ok {
			for _, p := range googleContent(s).Parts {
				if p.Type == "text" {
					out = append(out, p)
				}
			}
		} else if text, ok := s["text"].(string); ok {
			out = append(out, Part{Type: "text", Content: text})
		}
	}
	return out
}
