package registry

import (
	"encoding/json"
	"strings"

	"github.com/loykin/fnemu/internal/function"
)

// ReservedName cannot be deployed because it collides with the control routes.
const ReservedName = "function"

// Record is one deployed function as persisted and served by the control API.
type Record struct {
	Name string               `json:"name"`
	Path string               `json:"path"`
	Type function.TriggerType `json:"type"`
	URL  string               `json:"url"` // empty for background functions
}

// MarshalJSON writes url as null when the function has no URL.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record
	var url *string
	if r.URL != "" {
		url = &r.URL
	}
	return json.Marshal(struct {
		alias
		URL *string `json:"url"`
	}{alias: alias(r), URL: url})
}

// ValidName reports whether s can be used as a function name: characters
// from [A-Za-z0-9._-], no "..", and not the reserved control-route name.
func ValidName(s string) bool {
	if s == "" || s == ReservedName || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}
