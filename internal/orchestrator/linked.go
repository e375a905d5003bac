package orchestrator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ddworken/lookupguard/internal/providers"
	"github.com/samber/lo"
)

const minLinkedDigits = 10

var linkedFieldMarkers = []string{"mobile", "phone", "alt"}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func fieldValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return fmt.Sprintf("%.0f", t), true
	case int, int64:
		return fmt.Sprintf("%d", t), true
	default:
		return "", false
	}
}

// FindLinkedNumber returns the first alternate number in result, scanning records in order and
// fields by name. Only fields whose name mentions a phone-like marker are considered.
func FindLinkedNumber(queried string, result *providers.PhoneResult) (string, bool) {
	if result == nil {
		return "", false
	}
	queriedDigits := digitsOnly(queried)
	for _, record := range result.Result {
		keys := lo.Keys(record)
		sort.Strings(keys)
		for _, key := range keys {
			lower := strings.ToLower(key)
			if !lo.SomeBy(linkedFieldMarkers, func(m string) bool { return strings.Contains(lower, m) }) {
				continue
			}
			raw, ok := fieldValue(record[key])
			if !ok {
				continue
			}
			digits := digitsOnly(raw)
			if len(digits) >= minLinkedDigits && digits != queriedDigits {
				return digits, true
			}
		}
	}
	return "", false
}
