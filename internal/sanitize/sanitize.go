// Package sanitize normalizes inbound message text before it enters the
// turn pipeline: Unicode NFC normalization followed by removal of
// zero-width, bidi-control, and C0/C1 control characters.
package sanitize

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zeroWidth lists the invisible runes stripped after normalization:
// U+200B-200F (zero width space/joiners/LTR/RTL marks), U+FEFF (BOM/word
// joiner variant), U+2060 (word joiner), U+00AD (soft hyphen), U+061C
// (Arabic letter mark), U+180E (Mongolian vowel separator).
var zeroWidth = map[rune]bool{
	'​': true, '‌': true, '‍': true, '‎': true, '‏': true,
	'﻿': true, '⁠': true, '­': true, '؜': true, '᠎': true,
}

// bidiControl lists the bidirectional-control runes stripped after
// zero-width removal: U+202A-202E (embedding/override controls) and
// U+2066-2069 (isolate controls).
var bidiControl = map[rune]bool{
	'‪': true, '‫': true, '‬': true, '‭': true, '‮': true,
	'⁦': true, '⁧': true, '⁨': true, '⁩': true,
}

// isStrippedControl reports whether r is a C0/C1 control character that
// Input should remove, keeping newline and tab.
func isStrippedControl(r rune) bool {
	if r == '\n' || r == '\t' {
		return false
	}
	if r < 0x20 || r == 0x7F {
		return true
	}
	return r >= 0x80 && r <= 0x9F
}

// Text runs the fixed three-stage pipeline: NFC normalize, strip zero-width
// runes, strip bidi-control and C0/C1 control runes. It never fails — a
// malformed input simply normalizes to its best-effort NFC form. The
// function is idempotent: Text(Text(x)) == Text(x).
func Text(input string) string {
	normalized := norm.NFC.String(input)

	var b strings.Builder
	b.Grow(len(normalized))
	for _, r := range normalized {
		if zeroWidth[r] {
			continue
		}
		if bidiControl[r] {
			continue
		}
		if isStrippedControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
