package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInternalImportForbiddenPredicate(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"engagementcore/internal/entitystore", true},
		{"engagementcore/pkg/domain", false},
		{"github.com/google/uuid", false},
	}
	for _, c := range cases {
		if got := InternalImportForbidden(c.in); got != c.want {
			t.Fatalf("InternalImportForbidden(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestDriverAndPackagePredicates(t *testing.T) {
	if !DriverImportForbidden("engagementcore/internal/infra/persistence/sqlite") {
		t.Fatalf("sqlite driver should be forbidden")
	}
	if DriverImportForbidden("engagementcore/internal/blob") {
		t.Fatalf("blob facade is not a driver")
	}
	core := PackageImportForbidden("internal/core")
	if !core("engagementcore/internal/core") || core("engagementcore/internal/core/sub") || core("engagementcore/internal/corex") {
		t.Fatalf("package predicate should match the exact package only")
	}
	either := AnyOf(DriverImportForbidden, core)
	if !either("engagementcore/internal/core") || !either("engagementcore/internal/infra/blob/s3") || either("context") {
		t.Fatalf("AnyOf should match when any predicate does")
	}
}

func writePackage(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func TestAssertNoDirectImports(t *testing.T) {
	dir := writePackage(t, map[string]string{
		"x.go": "package tmp\nimport \"fmt\"\nfunc X(){fmt.Println(1)}",
	})
	AssertNoDirectImports(t, dir, func(string) bool { return false }, "none")
}

type recordingFatal struct{ msg string }

func (r *recordingFatal) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestDirectImportViolationsSkipsTests(t *testing.T) {
	dir := writePackage(t, map[string]string{
		"a.go":      "package tmp\nimport _ \"engagementcore/internal/infra/persistence/redis\"\n",
		"b.go":      "package tmp\nimport (\n\t\"context\"\n\t_ \"engagementcore/internal/core\"\n)\nvar _ context.Context\n",
		"a_test.go": "package tmp\nimport _ \"engagementcore/internal/infra/blob/fs\"\n",
	})
	viols, err := directImportViolations(dir, InternalImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 2 {
		t.Fatalf("expected two violations, got %v", viols)
	}
	var rec recordingFatal
	failIfDirectViolations(&rec, "layering", viols)
	if !strings.Contains(rec.msg, "layering") || !strings.Contains(rec.msg, "(in a.go)") {
		t.Fatalf("unexpected failure message %q", rec.msg)
	}
}

func TestDirectImportViolationsMissingDir(t *testing.T) {
	if _, err := directImportViolations(filepath.Join(t.TempDir(), "missing"), InternalImportForbidden); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestDirectImportViolationsParseError(t *testing.T) {
	dir := writePackage(t, map[string]string{"bad.go": "package"})
	if _, err := directImportViolations(dir, InternalImportForbidden); err == nil {
		t.Fatalf("expected parse error")
	}
}
