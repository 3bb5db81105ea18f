package messages

import "encoding/json"

// FlattenL10n resolves {"$l10n": {..., "text": "..."}} wrapper objects inside
// message content to their plain text values, recursively. Content that fails
// to parse is returned unchanged; flattening is best-effort and only runs for
// the devtools test provider.
func FlattenL10n(content json.RawMessage) json.RawMessage {
	if len(content) == 0 {
		return content
	}
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return content
	}
	flat := flattenValue(v)
	out, err := json.Marshal(flat)
	if err != nil {
		return content
	}
	return out
}

func flattenValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if l10n, ok := x["$l10n"].(map[string]any); ok && len(x) == 1 {
			if text, ok := l10n["text"].(string); ok {
				return text
			}
		}
		for k, vv := range x {
			x[k] = flattenValue(vv)
		}
		return x
	case []any:
		for i := range x {
			x[i] = flattenValue(x[i])
		}
		return x
	default:
		return v
	}
}
