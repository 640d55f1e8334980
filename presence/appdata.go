package presence

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
)

// maxDisplayNameLength bounds names before truncation.
const maxDisplayNameLength = 64

// DeriveDisplayName extracts a displayable peer name from announce app data.
// It tries strategies in order and always produces something: a structured
// msgpack payload, raw printable bytes, and finally a placeholder from the
// peer identifier. It never fails.
func DeriveDisplayName(appData []byte, id PeerID) string {
	if name, ok := nameFromStructuredPayload(appData); ok {
		return name
	}
	if name, ok := nameFromRawBytes(appData); ok {
		return name
	}
	return "Peer " + id.Short()
}

// nameFromStructuredPayload handles msgpack-encoded app data: either an array
// whose first element is the name, or a map keyed by "name"/"display_name".
func nameFromStructuredPayload(appData []byte) (string, bool) {
	if len(appData) == 0 {
		return "", false
	}

	var decoded any
	if err := msgpack.Unmarshal(appData, &decoded); err != nil {
		return "", false
	}

	switch v := decoded.(type) {
	case []any:
		if len(v) == 0 {
			return "", false
		}
		return nameFromValue(v[0])
	case map[string]any:
		for _, key := range []string{"name", "display_name"} {
			if raw, ok := v[key]; ok {
				if name, ok := nameFromValue(raw); ok {
					return name, true
				}
			}
		}
		return "", false
	case map[any]any:
		for _, key := range []string{"name", "display_name"} {
			if raw, ok := v[key]; ok {
				if name, ok := nameFromValue(raw); ok {
					return name, true
				}
			}
		}
		return "", false
	default:
		return nameFromValue(decoded)
	}
}

func nameFromValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return sanitizeName(t)
	case []byte:
		return sanitizeName(string(t))
	default:
		return "", false
	}
}

// nameFromRawBytes treats app data as a bare UTF-8 name, the format older
// peers announce with.
func nameFromRawBytes(appData []byte) (string, bool) {
	if len(appData) == 0 || !utf8.Valid(appData) {
		return "", false
	}
	return sanitizeName(string(appData))
}

func sanitizeName(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, r := range s {
		if r != ' ' && !unicode.IsGraphic(r) {
			return "", false
		}
	}
	if len(s) > maxDisplayNameLength {
		cut := s[:maxDisplayNameLength]
		for !utf8.ValidString(cut) {
			cut = cut[:len(cut)-1]
		}
		s = cut
	}
	return s, true
}
