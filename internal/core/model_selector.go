package core

import "strings"

// ModelSelector is a model id optionally pinned to a provider.
// Model is always the raw upstream model id.
type ModelSelector struct {
	Model    string
	Provider string
}

// Qualified returns "provider/model" when Provider is set, or the model alone.
func (s ModelSelector) Qualified() string {
	if s.Provider == "" {
		return s.Model
	}
	return s.Provider + "/" + s.Model
}

// ParseModelSelector splits an optional "provider/" prefix off a model id.
// Input without a slash, or with an empty side, is returned as a bare model.
func ParseModelSelector(model string) ModelSelector {
	model = strings.TrimSpace(model)
	prefix, rest, ok := strings.Cut(model, "/")
	prefix, rest = strings.TrimSpace(prefix), strings.TrimSpace(rest)
	if !ok || prefix == "" || rest == "" {
		return ModelSelector{Model: model}
	}
	return ModelSelector{Model: rest, Provider: prefix}
}
