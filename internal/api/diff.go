package api

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/omniforge/collab/internal/db"
)

// DiffLine represents a single line in a diff
type DiffLine struct {
	Type    string `json:"type"` // "added", "removed", "unchanged"
	Content string `json:"content"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

func computeDiff(oldContent, newContent string) []DiffLine {
	oldLines := strings.Split(oldContent, "\n")
	newLines := strings.Split(newContent, "\n")

	var result []DiffLine
	for _, op := range difflib.NewMatcher(oldLines, newLines).GetOpCodes() {
		switch op.Tag {
		case 'e':
			for i, j := op.I1, op.J1; i < op.I2; i, j = i+1, j+1 {
				result = append(result, DiffLine{Type: "unchanged", Content: oldLines[i], OldLine: i + 1, NewLine: j + 1})
			}
		case 'd', 'r', 'i':
			// Replacements are reported as removals followed by additions.
			for i := op.I1; i < op.I2; i++ {
				result = append(result, DiffLine{Type: "removed", Content: oldLines[i], OldLine: i + 1})
			}
			for j := op.J1; j < op.J2; j++ {
				result = append(result, DiffLine{Type: "added", Content: newLines[j], NewLine: j + 1})
			}
		}
	}
	return result
}

func unifiedDiff(from, to *db.Version) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(from.Content),
		B:        difflib.SplitLines(to.Content),
		FromFile: fmt.Sprintf("version %d", from.ID),
		ToFile:   fmt.Sprintf("version %d", to.ID),
		Context:  3,
	})
}
