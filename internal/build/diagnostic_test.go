package build

import (
	"reflect"
	"testing"
)

func TestMatchDiagnostic(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Diagnostic
		ok   bool
	}{
		{
			name: "error with column",
			line: `main.cpp:5:10: error: expected ';' before 'return'`,
			want: Diagnostic{Severity: SeverityError, File: "main.cpp", Line: 5, Column: 10, Message: `expected ';' before 'return'`},
			ok:   true,
		},
		{
			name: "warning with column",
			line: "src/util.cpp:12:3: warning: unused variable 'n' [-Wunused-variable]",
			want: Diagnostic{Severity: SeverityWarning, File: "src/util.cpp", Line: 12, Column: 3, Message: "unused variable 'n' [-Wunused-variable]"},
			ok:   true,
		},
		{
			name: "note with column",
			line: "main.cpp:3:1: note: declared here",
			want: Diagnostic{Severity: SeverityNote, File: "main.cpp", Line: 3, Column: 1, Message: "declared here"},
			ok:   true,
		},
		{
			name: "fatal error maps to error",
			line: "main.cpp:1:10: fatal error: missing.h: No such file or directory",
			want: Diagnostic{Severity: SeverityError, File: "main.cpp", Line: 1, Column: 10, Message: "missing.h: No such file or directory"},
			ok:   true,
		},
		{
			name: "no column",
			line: "main.cpp:7: error: ld returned 1 exit status",
			want: Diagnostic{Severity: SeverityError, File: "main.cpp", Line: 7, Message: "ld returned 1 exit status"},
			ok:   true,
		},
		{
			name: "absolute path",
			line: "/home/dev/proj/main.cpp:2:5: error: 'x' was not declared in this scope",
			want: Diagnostic{Severity: SeverityError, File: "/home/dev/proj/main.cpp", Line: 2, Column: 5, Message: "'x' was not declared in this scope"},
			ok:   true,
		},
		{
			name: "context line does not match",
			line: "    5 |     return \"x\";",
			ok:   false,
		},
		{
			name: "caret line does not match",
			line: "      |            ^~~",
			ok:   false,
		},
		{
			name: "banner line does not match",
			line: "In file included from main.cpp:1:",
			ok:   false,
		},
		{
			name: "empty line",
			line: "",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := matchDiagnostic(tt.line)
			if ok != tt.ok {
				t.Fatalf("matchDiagnostic(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			}
			if ok && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("matchDiagnostic(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
		})
	}
}

func TestParseDiagnostics(t *testing.T) {
	stderr := `main.cpp: In function 'int main()':
main.cpp:2:12: error: invalid conversion from 'const char*' to 'int' [-fpermissive]
    2 |     return "x";
      |            ^~~
main.cpp:4:9: warning: unused variable 'y' [-Wunused-variable]
`
	diags := ParseDiagnostics(stderr)
	if len(diags) != 2 {
		t.Fatalf("expected 2 diagnostics, got %d: %+v", len(diags), diags)
	}
	if diags[0].Severity != SeverityError || diags[0].Line != 2 || diags[0].Column != 12 {
		t.Errorf("unexpected first diagnostic: %+v", diags[0])
	}
	if diags[1].Severity != SeverityWarning || diags[1].Line != 4 {
		t.Errorf("unexpected second diagnostic: %+v", diags[1])
	}
}

func TestParseDiagnosticsEmpty(t *testing.T) {
	if diags := ParseDiagnostics(""); len(diags) != 0 {
		t.Errorf("expected no diagnostics, got %+v", diags)
	}
}
