package upload

import (
	"fmt"
	"strings"
)

// ValidationError is returned before anything is sent to the backend.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid upload: " + strings.Join(e.Problems, "; ")
}

// validateUpload checks the parsed rows against the metadata.
func validateUpload(rows [][]string, meta Metadata) error {
	var problems []string

	if strings.TrimSpace(meta.Name) == "" {
		problems = append(problems, "project name is required")
	}

	if len(rows) == 0 {
		problems = append(problems, "csv has no header row")
		return &ValidationError{Problems: problems}
	}
	if len(rows) == 1 {
		problems = append(problems, "csv has no data rows")
	}

	header := make(map[string]bool, len(rows[0]))
	for _, col := range rows[0] {
		header[col] = true
	}

	for _, col := range []struct{ label, name string }{
		{"full text column", meta.FullTextColumn},
		{"reference summary column", meta.ReferenceSummaryColumn},
	} {
		switch {
		case col.name == "":
			problems = append(problems, col.label+" is required")
		case !header[col.name]:
			problems = append(problems, fmt.Sprintf("%s %q not found in header", col.label, col.name))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
