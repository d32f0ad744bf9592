package progress

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"engagementcore/internal/entitystore"
	"engagementcore/internal/telemetry"
	"engagementcore/pkg/domain"
)

func completeProject(name string) domain.Project {
	return domain.Project{Name: name, Description: "d", Test: domain.FourPartTest{PermittedPurpose: domain.TestSection{Narrative: "new product"}}}
}

func TestComputeEmptyState(t *testing.T) {
	report := Compute(entitystore.New().View())
	if report.Overall != 0 {
		t.Fatalf("expected 0, got %d", report.Overall)
	}
	if report.PerCategory[domain.KindEmployee].Total != 0 {
		t.Fatalf("expected no employees")
	}
}

func TestComputeScenario(t *testing.T) {
	store := entitystore.New()
	ctx := context.Background()
	for _, name := range []string{"Ada", "Bo", "Cy"} {
		if _, err := store.Add(ctx, domain.Employee{Name: name, AnnualWages: 50000}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if got := Compute(store.View()).Overall; got != 75 {
		t.Fatalf("expected 75 after three employees, got %d", got)
	}

	partial := entitystore.New()
	_ = partial.Import(store.Export())
	_, _ = partial.Add(ctx, domain.Project{Name: "Name only"})
	full := entitystore.New()
	_ = full.Import(store.Export())
	_, _ = full.Add(ctx, completeProject("Widget"))

	partialScore := Compute(partial.View()).Overall
	fullScore := Compute(full.View()).Overall
	if partialScore != 60 || fullScore != 80 {
		t.Fatalf("expected 60 and 80, got %d and %d", partialScore, fullScore)
	}

	_, _ = full.Add(ctx, domain.UploadedDocument{Name: "payroll.pdf"})
	report := Compute(full.View())
	if report.Overall != 100 || !report.HasDocument {
		t.Fatalf("expected 100 with a document, got %+v", report)
	}
}

func TestComputeCategories(t *testing.T) {
	store := entitystore.New()
	ctx := context.Background()
	_, _ = store.Add(ctx, domain.Employee{Name: "Ada"})
	_, _ = store.Add(ctx, domain.SupplyExpense{Vendor: "Lab"})
	_, _ = store.Add(ctx, domain.ExternalConnection{Provider: "gusto", State: domain.ConnectionPending})
	p := completeProject("Widget")
	p.Test.TechnologicalNature.Narrative = "a"
	p.Test.EliminationOfUncertainty.Narrative = "b"
	p.Test.ProcessOfExperimentation.Narrative = "c"
	_, _ = store.Add(ctx, p)

	report := Compute(store.View())
	if c := report.PerCategory[domain.KindEmployee]; c.Complete != 0 || c.Total != 1 {
		t.Fatalf("unexpected employee category %+v", c)
	}
	if c := report.PerCategory[domain.KindSupplyExpense]; c.Complete != 1 || c.Total != 1 {
		t.Fatalf("unexpected supply category %+v", c)
	}
	if c := report.PerCategory[domain.KindConnection]; c.Complete != 0 || c.Total != 1 {
		t.Fatalf("unexpected connection category %+v", c)
	}
	if report.TestCompleteProjects != 1 {
		t.Fatalf("expected one test-complete project")
	}
}

func TestTrackerRecomputesOnEveryMutation(t *testing.T) {
	store := entitystore.New()
	metrics := telemetry.NewMetrics(nil)
	tracker := NewTracker(store, metrics)
	defer tracker.Close()
	var seen []int
	tracker.OnChange(func(r Report) { seen = append(seen, r.Overall) })

	ctx := context.Background()
	emp, _ := store.Add(ctx, domain.Employee{Name: "Ada"})
	if tracker.Report().Overall != 0 {
		t.Fatalf("incomplete employee must not count")
	}
	_, _ = store.Update(ctx, domain.KindEmployee, emp.Meta().ID, domain.Employee{AnnualWages: 10})
	if tracker.Report().Overall != 50 {
		t.Fatalf("expected 50, got %d", tracker.Report().Overall)
	}
	if tracker.Version() != store.Version() {
		t.Fatalf("tracker lagging store version")
	}
	if len(seen) != 2 || seen[1] != 50 {
		t.Fatalf("unexpected notifications %v", seen)
	}
	if got := testutil.ToFloat64(metrics.Progress); got != 50 {
		t.Fatalf("expected progress gauge 50, got %v", got)
	}

	tracker.Close()
	_, _ = store.Add(ctx, domain.Employee{Name: "Bo", AnnualWages: 1})
	if tracker.Report().Overall != 50 {
		t.Fatalf("closed tracker must not update")
	}
}

func TestProgressMonotonicity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	type shape struct{ complete, incomplete, projects, docs int }
	build := func(s shape) *entitystore.Store {
		store := entitystore.New()
		ctx := context.Background()
		for i := 0; i < s.complete; i++ {
			_, _ = store.Add(ctx, domain.Employee{Name: "c", AnnualWages: 1})
		}
		for i := 0; i < s.incomplete; i++ {
			_, _ = store.Add(ctx, domain.Employee{Name: "i"})
		}
		for i := 0; i < s.projects; i++ {
			_, _ = store.Add(ctx, domain.Project{Name: "p"})
		}
		for i := 0; i < s.docs; i++ {
			_, _ = store.Add(ctx, domain.UploadedDocument{Name: "d"})
		}
		return store
	}

	properties.Property("adding a complete record never lowers progress and removing it never raises it", prop.ForAll(
		func(complete, incomplete, projects, docs int, asProject bool) bool {
			store := build(shape{complete, incomplete, projects, docs})
			before := Compute(store.View()).Overall
			var added domain.Entity = domain.Employee{Name: "new", AnnualWages: 5}
			if asProject {
				added = completeProject("new")
			}
			created, err := store.Add(context.Background(), added)
			if err != nil {
				return false
			}
			after := Compute(store.View()).Overall
			if after < before {
				return false
			}
			if _, err := store.Remove(context.Background(), created.Kind(), created.Meta().ID); err != nil {
				return false
			}
			return Compute(store.View()).Overall == before
		},
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
		gen.IntRange(0, 2),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
