package utils

import (
	"strconv"
	"strings"
)

// SplitPair splits "a:b" style fields. The second value is empty when there is no separator.
func SplitPair(s, sep string) (string, string) {
	s = strings.TrimSpace(s)
	first, second, _ := strings.Cut(s, sep)
	return strings.TrimSpace(first), strings.TrimSpace(second)
}

// ParseUint parses a trimmed unsigned integer field.
func ParseUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, 32)
}

// ParseFloat parses a trimmed float field.
func ParseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
