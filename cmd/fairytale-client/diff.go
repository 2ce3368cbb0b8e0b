package main

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// formatLineDiff renders a line-wise diff of two descriptors. Removed lines start with
// "-", added lines with "+" and unchanged lines with a space.
func formatLineDiff(nameA, a, nameB, b string) string {
	dmp := diffmatchpatch.New()

	charsA, charsB, lines := dmp.DiffLinesToChars(normalizeLineEndings(a), normalizeLineEndings(b))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(charsA, charsB, false), lines)

	var diff strings.Builder
	diff.WriteString(fmt.Sprintf("--- %s\n", nameA))
	diff.WriteString(fmt.Sprintf("+++ %s\n", nameB))

	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffEqual:
		}

		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			diff.WriteString(prefix)
			diff.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				diff.WriteString("\n")
			}
		}
	}

	return diff.String()
}
