package proxy

import (
	"fmt"

	"github.com/vnmchuo/ai-gateway/internal/keys"
	"github.com/vnmchuo/ai-gateway/internal/provider"
	"github.com/vnmchuo/ai-gateway/internal/telemetry"
)

func orUnknown(model string) string {
	if model == "" {
		return "unknown-model"
	}
	return model
}

func genAIAttributes(providerID, requestModel string) telemetry.Attributes {
	attrs := telemetry.Attributes{
		"gen_ai.operation.name": "chat",
		"gen_ai.system":         providerID,
	}
	if requestModel != "" {
		attrs["gen_ai.request.model"] = requestModel
	}
	return attrs
}

func merge(dst telemetry.Attributes, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

// spanFor names a finished attempt and collects its attributes.
func spanFor(res provider.Result, providerID string) (string, telemetry.Attributes, telemetry.Level) {
	switch r := res.(type) {
	case *provider.Success:
		attrs := genAIAttributes(providerID, r.RequestModel)
		merge(attrs, r.OtelAttributes)
		merge(attrs, r.Usage.Attributes())
		attrs["http.response.status_code"] = r.Status
		attrs["http.request.body.text"] = string(r.RequestBody)
		attrs["http.response.body.text"] = string(r.Body)
		attrs["gen_ai.response.model"] = r.ResponseModel
		return fmt.Sprintf("chat %s", r.ResponseModel), attrs, telemetry.LevelInfo

	case *provider.ErrorResult:
		attrs := genAIAttributes(providerID, r.RequestModel)
		attrs["error"] = r.Err
		return fmt.Sprintf("chat %s, invalid request {error}", orUnknown(r.RequestModel)), attrs, telemetry.LevelError

	case *provider.ModelNotFound:
		attrs := genAIAttributes(providerID, r.RequestModel)
		attrs["error"] = modelNotFoundMessage(r.RequestModel)
		return fmt.Sprintf("chat %s, invalid request {error}", orUnknown(r.RequestModel)), attrs, telemetry.LevelError

	case *provider.Unexpected:
		attrs := genAIAttributes(providerID, r.RequestModel)
		attrs["http.response.status_code"] = r.Status
		attrs["http.request.body.text"] = string(r.RequestBody)
		attrs["http.response.body.text"] = string(r.Body)
		return fmt.Sprintf("chat %s, unexpected response: {http.response.status_code}", orUnknown(r.RequestModel)), attrs, telemetry.LevelWarn

	case *provider.Passthrough:
		attrs := genAIAttributes(providerID, "")
		attrs["http.response.status_code"] = r.Response.StatusCode
		return "passthrough response: {http.response.status_code}", attrs, telemetry.LevelInfo

	default:
		return "unknown result", genAIAttributes(providerID, ""), telemetry.LevelError
	}
}

// streamSpanFor describes a stream once its outcome is known.
func streamSpanFor(s *provider.Stream, out provider.StreamOutcome, providerID string) (string, telemetry.Attributes, telemetry.Level) {
	attrs := genAIAttributes(providerID, out.RequestModel)
	attrs["http.response.status_code"] = s.Status
	attrs["http.request.body.text"] = string(s.RequestBody)
	if out.Err != nil {
		attrs["error"] = out.Err.Error()
		return fmt.Sprintf("chat %s, invalid request {error}", orUnknown(out.RequestModel)), attrs, telemetry.LevelError
	}
	merge(attrs, out.OtelAttributes)
	if out.Usage != nil {
		merge(attrs, out.Usage.Attributes())
	}
	attrs["gen_ai.response.model"] = out.ResponseModel
	return fmt.Sprintf("chat %s", out.ResponseModel), attrs, telemetry.LevelInfo
}

func endSpan(span *telemetry.Span, res provider.Result, providerID string) {
	span.End(spanFor(res, providerID))
}

func endFailedSpan(span *telemetry.Span, proxy keys.ProviderProxy, requestModel string, err error) {
	attrs := genAIAttributes(proxy.ProviderID, requestModel)
	attrs["error"] = err.Error()
	span.End(fmt.Sprintf("chat %s, request failed {error}", orUnknown(requestModel)), attrs, telemetry.LevelWarn)
}

func modelNotFoundMessage(model string) string {
	return fmt.Sprintf("Unable to find model %s in the price table", model)
}
