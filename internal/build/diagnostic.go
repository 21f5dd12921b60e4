package build

import (
	"regexp"
	"strconv"
	"strings"
)

// Severity indicates the severity of a compiler diagnostic.
type Severity string

const (
	// SeverityError is a compile error.
	SeverityError Severity = "error"
	// SeverityWarning is a warning.
	SeverityWarning Severity = "warning"
	// SeverityNote is an informational note.
	SeverityNote Severity = "note"
)

// Diagnostic is one structured message parsed from compiler output.
type Diagnostic struct {
	// Severity indicates error, warning, or note.
	Severity Severity

	// File is the source file path as reported by the compiler.
	File string

	// Line is the line number (1-based).
	Line int

	// Column is the column number (1-based, 0 if the compiler omitted it).
	Column int

	// Message is the diagnostic text.
	Message string
}

// String renders the diagnostic in the compiler's own format.
func (d Diagnostic) String() string {
	if d.Column > 0 {
		return d.File + ":" + strconv.Itoa(d.Line) + ":" + strconv.Itoa(d.Column) +
			": " + string(d.Severity) + ": " + d.Message
	}
	return d.File + ":" + strconv.Itoa(d.Line) + ": " + string(d.Severity) + ": " + d.Message
}

// diagnosticPattern describes one compiler output line shape and which
// capture group holds each field.
type diagnosticPattern struct {
	regex    *regexp.Regexp
	file     int
	line     int
	column   int
	severity int
	message  int
}

// gccPatterns match the standard GCC/Clang diagnostic formats:
// path:line:col: severity: message, with a two-field fallback for lines
// that omit the column.
var gccPatterns = []diagnosticPattern{
	{
		regex:    regexp.MustCompile(`^(.+?):(\d+):(\d+):\s*(error|warning|note|fatal error):\s*(.+)$`),
		file:     1,
		line:     2,
		column:   3,
		severity: 4,
		message:  5,
	},
	{
		regex:    regexp.MustCompile(`^(.+?):(\d+):\s*(error|warning|note|fatal error):\s*(.+)$`),
		file:     1,
		line:     2,
		severity: 3,
		message:  4,
	},
}

func parseSeverity(s string) Severity {
	switch s {
	case "error", "fatal error":
		return SeverityError
	case "warning":
		return SeverityWarning
	case "note":
		return SeverityNote
	default:
		return SeverityError
	}
}

// matchDiagnostic attempts to parse one output line into a Diagnostic.
func matchDiagnostic(line string) (Diagnostic, bool) {
	for _, p := range gccPatterns {
		matches := p.regex.FindStringSubmatch(line)
		if matches == nil {
			continue
		}

		d := Diagnostic{
			File:     matches[p.file],
			Severity: parseSeverity(matches[p.severity]),
			Message:  matches[p.message],
		}
		if n, err := strconv.Atoi(matches[p.line]); err == nil {
			d.Line = n
		}
		if p.column > 0 {
			if n, err := strconv.Atoi(matches[p.column]); err == nil {
				d.Column = n
			}
		}
		return d, true
	}
	return Diagnostic{}, false
}

// ParseDiagnostics parses compiler stderr into structured diagnostics.
// Lines that do not match any known pattern are not dropped; the caller
// keeps the raw stderr text alongside the parsed result.
func ParseDiagnostics(stderr string) []Diagnostic {
	var diags []Diagnostic
	for _, line := range strings.Split(stderr, "\n") {
		if d, ok := matchDiagnostic(line); ok {
			diags = append(diags, d)
		}
	}
	return diags
}
