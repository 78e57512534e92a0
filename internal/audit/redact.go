package audit

import (
	"strings"

	"github.com/shizukutanaka/groundgate/internal/model"
)

// Mask replaces every redacted metadata value
const Mask = "***"

// sensitiveTokens match whole name segments, so "hmac_key" and "apiSecret"
// are masked but "machine" is not.
var sensitiveTokens = map[string]bool{
	"key":        true,
	"keys":       true,
	"secret":     true,
	"secrets":    true,
	"hmac":       true,
	"mac":        true,
	"sig":        true,
	"signature":  true,
	"token":      true,
	"password":   true,
	"passphrase": true,
	"credential": true,
}

// Segments written without separators ("privatekey", "apisecret") are
// matched by these fragments instead.
var (
	sensitiveSuffixes  = []string{"key", "keys", "sig"}
	sensitivePrefixes  = []string{"hmac"}
	sensitiveFragments = []string{"secret", "token", "password", "passphrase", "credential", "signature"}
)

// IsSensitive reports whether a metadata key names secret material
func IsSensitive(name string) bool {
	for _, part := range splitName(name) {
		if sensitiveTokens[part] || sensitivePart(part) {
			return true
		}
	}
	return false
}

func sensitivePart(part string) bool {
	for _, s := range sensitiveSuffixes {
		if strings.HasSuffix(part, s) {
			return true
		}
	}
	for _, p := range sensitivePrefixes {
		if strings.HasPrefix(part, p) {
			return true
		}
	}
	for _, f := range sensitiveFragments {
		if strings.Contains(part, f) {
			return true
		}
	}
	return false
}

// Redact returns a copy of meta with sensitive values masked, nested maps included
func Redact(meta model.Metadata) model.Metadata {
	out := make(model.Metadata, len(meta))
	for k, v := range meta {
		out[k] = redactValue(k, v)
	}
	return out
}

func redactValue(key string, v interface{}) interface{} {
	if IsSensitive(key) {
		return Mask
	}
	return redactNested(v)
}

// redactNested masks sensitive keys inside maps and lists of any depth
func redactNested(v interface{}) interface{} {
	switch nested := v.(type) {
	case model.Metadata:
		return Redact(nested)
	case map[string]interface{}:
		return map[string]interface{}(Redact(model.Metadata(nested)))
	case map[string]string:
		out := make(map[string]string, len(nested))
		for k, s := range nested {
			if IsSensitive(k) {
				s = Mask
			}
			out[k] = s
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(nested))
		for i, item := range nested {
			out[i] = redactNested(item)
		}
		return out
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(nested))
		for i, item := range nested {
			out[i] = map[string]interface{}(Redact(model.Metadata(item)))
		}
		return out
	case []model.Metadata:
		out := make([]model.Metadata, len(nested))
		for i, item := range nested {
			out[i] = Redact(item)
		}
		return out
	}
	return v
}

// splitName lowercases name and splits it on separators, camelCase humps
// and the end of an uppercase acronym
func splitName(name string) []string {
	var parts []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
	}

	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ' || r == '/':
			flush()
		case isUpper(r):
			// "apiKey" splits before K; "HMACKey" splits before the K that
			// starts the lowercase run.
			if i > 0 && (isLower(runes[i-1]) ||
				(isUpper(runes[i-1]) && i+1 < len(runes) && isLower(runes[i+1]))) {
				flush()
			}
			cur.WriteRune(r + ('a' - 'A'))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return parts
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }

func isLower(r rune) bool { return r >= 'a' && r <= 'z' }
