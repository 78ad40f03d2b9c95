package common

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a slice-size flag value: a decimal number optionally
// followed by a K/M/G/T suffix for 1024-based units (isptar.cpp::ValidSize).
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty size", ErrUsage)
	}
	pos := len(s)
	for i, c := range s {
		if c < '0' || c > '9' {
			pos = i
			break
		}
	}
	digits := s[:pos]
	suffix := s[pos:]
	if digits == "" {
		return 0, fmt.Errorf("%w: bad size %q", ErrUsage, s)
	}
	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad size %q: %v", ErrUsage, s, err)
	}
	switch suffix {
	case "":
		return value, nil
	case "K":
		return value * 1024, nil
	case "M":
		return value * 1024 * 1024, nil
	case "G":
		return value * 1024 * 1024 * 1024, nil
	case "T":
		return value * 1024 * 1024 * 1024 * 1024, nil
	default:
		return 0, fmt.Errorf("%w: unknown size suffix %q in %q", ErrUsage, suffix, s)
	}
}

// CheckName guards extraction against path traversal and, when args is
// non-empty, restricts extraction to the named entries/subtrees
// (isptar.cpp::CheckName).
func CheckName(args []string, name string) bool {
	if strings.HasPrefix(name, "/") || strings.Contains(name, "/../") || strings.HasPrefix(name, "../") {
		return false
	}
	if len(args) == 0 {
		return true
	}
	for _, arg := range args {
		if !strings.HasPrefix(name, arg) {
			continue
		}
		if len(name) == len(arg) || name[len(arg)] == '/' || (len(arg) > 0 && arg[len(arg)-1] == '/') {
			return true
		}
	}
	return false
}
