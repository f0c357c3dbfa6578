package masking

import (
	"regexp"
	"strings"
)

const maskToken = "****"

// cardNumberPattern finds 12 to 19 digit runs, optionally grouped by spaces or dashes.
var cardNumberPattern = regexp.MustCompile(`\b(?:\d[ -]?){11,18}\d\b`)

// Key fragments whose string values are always treated as secrets.
var secretKeyFragments = []string{"auth", "code", "pan", "token", "card_number"}

// MaskSecret redacts a secret while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskCardNumbers replaces anything shaped like a card number in free text
// with its last four digits.
func MaskCardNumbers(text string) string {
	return cardNumberPattern.ReplaceAllStringFunc(text, func(match string) string {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, match)
		return maskToken + digits[len(digits)-4:]
	})
}

// MaskJSON returns a copy of a statement row or metadata map. Values under
// secret-looking keys are masked outright; other strings only lose card numbers.
func MaskJSON(input map[string]any) map[string]any {
	return maskMap(input, false)
}

func maskMap(input map[string]any, secret bool) map[string]any {
	if len(input) == 0 {
		return nil
	}

	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		masked[trimmedKey] = maskValue(value, secret || isSecretKey(trimmedKey))
	}

	if len(masked) == 0 {
		return nil
	}
	return masked
}

func maskValue(value any, secret bool) any {
	switch cast := value.(type) {
	case string:
		if secret {
			return MaskSecret(cast)
		}
		return MaskCardNumbers(cast)
	case map[string]any:
		return maskMap(cast, secret)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(item, secret))
		}
		return out
	default:
		return value
	}
}

func isSecretKey(key string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(key, " ", "_"))
	for _, fragment := range secretKeyFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
