package job

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseAttachmentIDs normalizes a source-attachment reference into an
// ordered, de-duplicated id list. Exactly three shapes are recognized: a
// scalar string, a list of strings, and a JSON-encoded list of strings.
func ParseAttachmentIDs(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return parseAttachmentString(v)
	case []string:
		return dedupe(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("attachment id list contains non-string element %T", item)
			}
			out = append(out, s)
		}
		return dedupe(out), nil
	default:
		return nil, fmt.Errorf("unsupported attachment id shape %T", raw)
	}
}

func parseAttachmentString(s string) ([]string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
			return nil, fmt.Errorf("attachment id list is not valid JSON: %w", err)
		}
		return dedupe(list), nil
	}
	return dedupe([]string{trimmed}), nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
