package core

import (
	"path/filepath"
	"testing"

	"engagementcore/testutil"
)

func TestEngagementPackagesDoNotSelectDrivers(t *testing.T) {
	forbidden := testutil.AnyOf(testutil.DriverImportForbidden, testutil.PackageImportForbidden("internal/core"))
	for _, pkg := range []string{"entitystore", "merge", "ingest", "progress", "pipeline", "autosave", "connector", "analysis"} {
		t.Run(pkg, func(t *testing.T) {
			testutil.AssertNoDirectImports(t, filepath.Join("..", pkg), forbidden, pkg+" receives its backends from the session")
		})
	}
}

func TestStoreDependsOnlyOnDomain(t *testing.T) {
	testutil.AssertNoDirectImports(t, filepath.Join("..", "entitystore"), testutil.InternalImportForbidden, "the entity store sits directly on the domain model")
}
