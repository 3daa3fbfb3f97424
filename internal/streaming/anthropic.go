package streaming

import (
	"log/slog"

	"github.com/tidwall/gjson"

	"chatgateway/internal/core"
)

// AnthropicDecoder decodes the Messages API event stream.
//
//	message_start        usage.input_tokens
//	content_block_delta  delta.text
//	message_delta        delta.stop_reason, usage.output_tokens
//	message_stop         end of stream
//	error                mid-stream failure
//
// ping and unknown events are dropped.
func AnthropicDecoder(provider string) DecodeFunc {
	return func(ev *Event, st *State) (core.Delta, bool, bool, error) {
		if !gjson.Valid(ev.Data) {
			slog.Debug("dropping malformed stream event", "provider", provider, "event", ev.Type)
			return core.Delta{}, false, false, nil
		}
		payload := gjson.Parse(ev.Data)

		eventType := payload.Get("type").String()
		if eventType == "" {
			eventType = ev.Type
		}

		switch eventType {
		case "message_start":
			usage := payload.Get("message.usage")
			if v := usage.Get("input_tokens"); v.Exists() {
				st.SetPromptTokens(int(v.Int()))
			}
			if v := usage.Get("output_tokens"); v.Exists() {
				st.SetCompletionTokens(int(v.Int()))
			}
		case "content_block_delta":
			text := payload.Get("delta.text").String()
			if text != "" {
				return core.Delta{Text: text}, true, false, nil
			}
		case "message_delta":
			if reason := payload.Get("delta.stop_reason").String(); reason != "" {
				st.SetFinishReason(reason)
			}
			if v := payload.Get("usage.output_tokens"); v.Exists() {
				st.SetCompletionTokens(int(v.Int()))
			}
		case "message_stop":
			return core.Delta{}, false, true, nil
		case "error":
			msg := payload.Get("error.message").String()
			if msg == "" {
				msg = ev.Data
			}
			return core.Delta{}, false, false, core.NewAPIError(provider, 0, msg, nil)
		}
		return core.Delta{}, false, false, nil
	}
}
