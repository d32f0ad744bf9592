// Package progress derives the intake completion score from entity state.
//
// The score is an intake heuristic, not a qualification judgment: 100 means
// every employee and project has its minimum fields and at least one
// document was uploaded.
package progress

import (
	"math"

	"engagementcore/pkg/domain"
)

// Category counts complete and total records of one kind.
type Category struct {
	Complete int `json:"complete"`
	Total    int `json:"total"`
}

// Report is the result of Compute.
type Report struct {
	Overall     int                            `json:"overall"`
	PerCategory map[domain.EntityKind]Category `json:"per_category"`
	// TestCompleteProjects counts projects whose four narratives are all filled in.
	TestCompleteProjects int  `json:"test_complete_projects"`
	HasDocument          bool `json:"has_document"`
}

// Compute is a pure function of the visible entity state.
//
//	overall = round(100 * (completeEmployees + completeProjects + hasDocument)
//	                / (totalEmployees + totalProjects + 1))
//
// Supplies, contracts and documents count every record as complete;
// connections count as complete when connected.
func Compute(view domain.RuleView) Report {
	report := Report{PerCategory: make(map[domain.EntityKind]Category, len(domain.Kinds()))}
	for _, kind := range domain.Kinds() {
		var c Category
		for _, e := range view.List(kind) {
			c.Total++
			switch v := e.(type) {
			case domain.Employee:
				if v.Complete() {
					c.Complete++
				}
			case domain.Project:
				if v.Complete() {
					c.Complete++
				}
				if v.TestComplete() {
					report.TestCompleteProjects++
				}
			case domain.ExternalConnection:
				if v.State == domain.ConnectionConnected {
					c.Complete++
				}
			default:
				c.Complete++
			}
		}
		report.PerCategory[kind] = c
	}

	employees := report.PerCategory[domain.KindEmployee]
	projects := report.PerCategory[domain.KindProject]
	report.HasDocument = report.PerCategory[domain.KindDocument].Total > 0
	numerator := employees.Complete + projects.Complete
	if report.HasDocument {
		numerator++
	}
	denominator := employees.Total + projects.Total + 1
	report.Overall = int(math.Round(100 * float64(numerator) / float64(denominator)))
	return report
}
