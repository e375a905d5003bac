package data

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/ddworken/lookupguard/shared"
)

const (
	CONFIG_PATH = "config.yaml"
	DB_PATH     = "lookupguard.db"
	LOG_PATH    = "lookupguard.log"
)

const (
	defaultLookupguardPath = ".lookupguard"

	// Numbers shorter than this are treated as plates when no kind is given.
	minPhoneDigits = 10
)

func GetLookupguardPath() string {
	lookupguardPath := os.Getenv("LOOKUPGUARD_PATH")
	if lookupguardPath != "" {
		return lookupguardPath
	}

	UserHome, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return fmt.Sprintf("%s/%s", UserHome, defaultLookupguardPath)
}

// GuessQueryKind picks the kind for a value typed without one. Values made only of digits and
// phone punctuation with at least ten digits are phone numbers, everything else is a plate.
func GuessQueryKind(value string) shared.QueryKind {
	value = strings.TrimSpace(value)
	digits := 0
	for _, r := range value {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')':
		default:
			return shared.QueryKindVehicle
		}
	}
	if digits >= minPhoneDigits {
		return shared.QueryKindPhone
	}
	return shared.QueryKindVehicle
}

// NormalizeQuery parses an explicit kind, or guesses one when kind is empty, and trims the value.
func NormalizeQuery(kind, value string) (shared.QueryKind, string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", "", fmt.Errorf("cannot search for an empty value")
	}
	if kind == "" {
		return GuessQueryKind(value), value, nil
	}
	parsed, err := shared.ParseQueryKind(kind)
	if err != nil {
		return "", "", err
	}
	return parsed, value, nil
}
