package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are attribute names whose string values never belong in a
// log line: credentials, signing material and bank account details.
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"bearer_token":  {},
	"token":         {},
	"secret":        {},
	"password":      {},
	"private_key":   {},
	"reserve_priv":  {},
	"wire_details":  {},
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// SensitiveKeys returns the masked key names in sorted order. Tests pin the
// list so secrets do not quietly start leaking after a rename.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the redaction placeholder for non-empty values. Empty
// strings pass through so absent fields stay recognisable.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskAttr builds a log attribute, masking the value when the key is
// sensitive.
func MaskAttr(key, value string) slog.Attr {
	if IsSensitive(key) {
		return slog.String(key, MaskValue(value))
	}
	return slog.String(key, value)
}
