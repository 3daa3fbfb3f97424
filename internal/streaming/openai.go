package streaming

import (
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"chatgateway/internal/core"
)

// OpenAIDecoder decodes chat.completion.chunk events. The stream ends with a
// literal [DONE] data line; usage arrives on a final chunk with empty choices
// when stream_options.include_usage is set.
func OpenAIDecoder(provider string) DecodeFunc {
	return func(ev *Event, st *State) (core.Delta, bool, bool, error) {
		data := strings.TrimSpace(ev.Data)
		if data == "[DONE]" {
			return core.Delta{}, false, true, nil
		}
		if !gjson.Valid(data) {
			slog.Debug("dropping malformed stream event", "provider", provider)
			return core.Delta{}, false, false, nil
		}
		payload := gjson.Parse(data)

		if errObj := payload.Get("error"); errObj.Exists() && errObj.Type != gjson.Null {
			msg := errObj.Get("message").String()
			if msg == "" {
				msg = errObj.Raw
			}
			return core.Delta{}, false, false, core.NewAPIError(provider, 0, msg, nil)
		}

		if usage := payload.Get("usage"); usage.IsObject() {
			st.SetPromptTokens(int(usage.Get("prompt_tokens").Int()))
			st.SetCompletionTokens(int(usage.Get("completion_tokens").Int()))
		}

		choice := payload.Get("choices.0")
		if !choice.Exists() {
			return core.Delta{}, false, false, nil
		}
		reason := choice.Get("finish_reason").String()
		if reason != "" {
			st.SetFinishReason(reason)
		}
		text := choice.Get("delta.content").String()
		if text == "" {
			return core.Delta{}, false, false, nil
		}
		return core.Delta{Text: text, FinishReason: reason}, true, false, nil
	}
}
