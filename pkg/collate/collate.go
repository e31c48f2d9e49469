// Package collate provides case-insensitive comparison of UTF-16
// encoded names, the collation primitive the filesystem driver consumes
// for directory lookups.
package collate

import (
	"unicode/utf16"

	"golang.org/x/text/cases"
)

// EqualFold reports whether a and b are equal under Unicode case
// folding.
func EqualFold(a, b []uint16) bool {
	return foldString(a) == foldString(b)
}

// CompareFold compares a and b under Unicode case folding, returning
// -1, 0, or +1.
func CompareFold(a, b []uint16) int {
	fa, fb := foldString(a), foldString(b)

	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return 0
	}
}

func foldString(s []uint16) string {
	// A Caser carries internal state, so each fold gets its own.
	return cases.Fold().String(string(utf16.Decode(s)))
}
