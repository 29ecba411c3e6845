// Package logging sanitizes request/response payloads before they are written
// to structured logs or capture files.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// PreviewLimit caps the size of a payload preview embedded in a log line.
	PreviewLimit = 2048
	// truncationSuffix marks values that were cut short.
	truncationSuffix = "...[truncated]"
	// base64RedactionThreshold is the minimum string length that triggers base64 redaction.
	base64RedactionThreshold = 256
)

// Preview returns a truncated, base64-redacted preview of body suitable for a log
// line. JSON payloads are walked so long string leaves (image data URLs, inline
// base64 audio) are redacted individually instead of truncating the whole document
// from one long field.
func Preview(body []byte, limit int) []byte {
	if limit <= 0 {
		return body
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			sanitized := sanitizeValue(decoded, limit)
			if out, err := json.Marshal(sanitized); err == nil {
				return truncateBytes(out, limit)
			}
		}
	}

	return truncateBytes(body, limit)
}

func sanitizeValue(value any, limit int) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			out[key] = sanitizeValue(inner, limit)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = sanitizeValue(inner, limit)
		}
		return out
	case string:
		return sanitizeString(v, limit)
	default:
		return v
	}
}

func sanitizeString(value string, limit int) string {
	if value == "" {
		return value
	}
	if redacted := redactDataURL(value, limit); redacted != "" {
		return redacted
	}
	if looksLikeBase64(value) {
		return truncateString(fmt.Sprintf("[base64 len=%d]", len(value)), limit)
	}
	return truncateString(value, limit)
}

func redactDataURL(value string, limit int) string {
	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "data:") {
		return ""
	}
	idx := strings.Index(lower, "base64,")
	if idx < 0 {
		return ""
	}
	header := value[:idx+len("base64,")]
	dataLen := len(value) - len(header)
	return truncateString(fmt.Sprintf("%s[truncated base64 len=%d]", header, dataLen), limit)
}

func looksLikeBase64(value string) bool {
	if len(value) < base64RedactionThreshold {
		return false
	}
	if strings.ContainsAny(value, " \n\r\t") {
		return false
	}
	sample := value
	if len(sample) > base64RedactionThreshold {
		sample = sample[:base64RedactionThreshold]
	}
	for i := 0; i < len(sample); i++ {
		ch := sample[i]
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
		case ch == '+' || ch == '/' || ch == '=' || ch == '-' || ch == '_':
		default:
			return false
		}
	}
	return true
}

func truncateString(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(value) <= limit {
		return value
	}
	if limit <= len(truncationSuffix) {
		return truncationSuffix[:limit]
	}
	return value[:limit-len(truncationSuffix)] + truncationSuffix
}

func truncateBytes(data []byte, limit int) []byte {
	if len(data) <= limit {
		return data
	}
	return []byte(truncateString(string(data), limit))
}

// SanitizeHeaders returns a copy of headers with Authorization removed
// (case-insensitively), per spec's capture-sink sanitization rule.
func SanitizeHeaders(headers map[string][]string) map[string][]string {
	out := make(map[string][]string, len(headers))
	for key, values := range headers {
		if strings.EqualFold(key, "Authorization") {
			continue
		}
		out[key] = values
	}
	return out
}
