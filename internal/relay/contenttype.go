package relay

import (
	"fmt"

	"github.com/wudi/eventrelay/internal/envelope"
)

// MediaTypeJSON is the generic structured-data media type.
const MediaTypeJSON = "application/json"

// ResolveContentType picks the outbound media type for a transformed value.
// An explicit "contenttype" field wins, then anything shaped like a
// CloudEvent, then plain JSON.
func ResolveContentType(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return MediaTypeJSON
	}

	if ct, ok := m["contenttype"]; ok && ct != nil {
		if s := fmt.Sprint(ct); s != "" {
			return s
		}
	}
	if _, ok := m["specversion"]; ok {
		return envelope.MediaTypeStructured
	}
	return MediaTypeJSON
}
