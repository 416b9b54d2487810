package ui

import (
	"fmt"
	"strings"
)

// FormatError renders msg behind an "Error:" prefix, followed by a Try: block
// when suggestions are given. Later lines of a multi-line msg are indented
// to line up with the first.
func FormatError(msg string, suggestions ...string) string {
	var b strings.Builder

	lines := strings.Split(strings.TrimRight(msg, "\n"), "\n")
	fmt.Fprintf(&b, "%s %s\n", StyleBoldRed.Render("Error:"), lines[0])
	for _, l := range lines[1:] {
		if l == "" {
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "       %s\n", l)
	}

	if len(suggestions) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleHint.Render("  Try:") + "\n")
		for _, s := range suggestions {
			fmt.Fprintf(&b, "    %s %s\n", StyleHint.Render(SymbolArrow), s)
		}
	}
	return b.String()
}
