package pipeline

import (
	"fmt"

	"engagementcore/pkg/domain"
)

// Audit planning stages.
const (
	StageRisk        domain.StageID = "risk"
	StageMateriality domain.StageID = "materiality"
	StageFraud       domain.StageID = "fraud"
	StagePrograms    domain.StageID = "programs"
	StageMemo        domain.StageID = "memo"
)

// R&D study stages.
const (
	StageEmployeeReview    domain.StageID = "employee_review"
	StageProjectReview     domain.StageID = "project_review"
	StageCreditComputation domain.StageID = "credit_computation"
	StageStudyMemo         domain.StageID = "study_memo"
)

// AuditAreas are the areas the programs stage produces one artifact for.
var AuditAreas = []string{"revenue", "inventory", "payroll", "cash"}

// StageDef declares one stage and its prerequisites.
type StageDef struct {
	ID       domain.StageID
	Requires []domain.StageID
	// Areas fans the stage out into one collaborator call per area, issued
	// sequentially. Empty means a single call.
	Areas       []string
	Description string
}

func (s StageDef) areas() []string {
	if len(s.Areas) == 0 {
		return []string{""}
	}
	return s.Areas
}

// Definition is a named DAG of stages listed in presentation order.
type Definition struct {
	Name   string
	Stages []StageDef
}

// AuditPlanning returns the audit planning workflow.
func AuditPlanning() Definition {
	return Definition{
		Name: "audit_planning",
		Stages: []StageDef{
			{ID: StageRisk, Description: "risk assessment"},
			{ID: StageMateriality, Description: "materiality"},
			{ID: StageFraud, Description: "fraud risk"},
			{ID: StagePrograms, Requires: []domain.StageID{StageRisk, StageMateriality}, Areas: append([]string(nil), AuditAreas...), Description: "audit programs"},
			{ID: StageMemo, Requires: []domain.StageID{StageRisk, StageMateriality, StageFraud}, Description: "planning memo"},
		},
	}
}

// RDStudy returns the research credit study workflow.
func RDStudy() Definition {
	return Definition{
		Name: "rd_study",
		Stages: []StageDef{
			{ID: StageEmployeeReview, Description: "qualified wage review"},
			{ID: StageProjectReview, Requires: []domain.StageID{StageEmployeeReview}, Description: "four-part test review"},
			{ID: StageCreditComputation, Requires: []domain.StageID{StageEmployeeReview, StageProjectReview}, Description: "credit computation"},
			{ID: StageStudyMemo, Requires: []domain.StageID{StageCreditComputation}, Description: "study memo"},
		},
	}
}

// Validate rejects empty or duplicate ids, unknown prerequisites, duplicate
// areas and cycles.
func (d Definition) Validate() error {
	known := make(map[domain.StageID]StageDef, len(d.Stages))
	for _, s := range d.Stages {
		if s.ID == "" {
			return fmt.Errorf("pipeline %s: stage with empty id", d.Name)
		}
		if _, dup := known[s.ID]; dup {
			return fmt.Errorf("pipeline %s: duplicate stage %s", d.Name, s.ID)
		}
		seen := make(map[string]bool, len(s.Areas))
		for _, area := range s.Areas {
			if area == "" || seen[area] {
				return fmt.Errorf("pipeline %s: stage %s has empty or duplicate area %q", d.Name, s.ID, area)
			}
			seen[area] = true
		}
		known[s.ID] = s
	}
	for _, s := range d.Stages {
		for _, req := range s.Requires {
			if _, ok := known[req]; !ok {
				return fmt.Errorf("pipeline %s: stage %s requires unknown stage %s", d.Name, s.ID, req)
			}
		}
	}

	// Kahn's algorithm: every stage must drain.
	indegree := make(map[domain.StageID]int, len(d.Stages))
	dependents := make(map[domain.StageID][]domain.StageID, len(d.Stages))
	for _, s := range d.Stages {
		for _, req := range s.Requires {
			indegree[s.ID]++
			dependents[req] = append(dependents[req], s.ID)
		}
	}
	var queue []domain.StageID
	for _, s := range d.Stages {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	drained := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		drained++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if drained != len(d.Stages) {
		return fmt.Errorf("pipeline %s: prerequisite cycle", d.Name)
	}
	return nil
}

// Downstream returns every stage that transitively requires id, in
// definition order.
func (d Definition) Downstream(id domain.StageID) []domain.StageID {
	affected := map[domain.StageID]bool{id: true}
	var out []domain.StageID
	// Definitions are small; iterate until no new stage is reached.
	for changed := true; changed; {
		changed = false
		for _, s := range d.Stages {
			if affected[s.ID] {
				continue
			}
			for _, req := range s.Requires {
				if affected[req] {
					affected[s.ID] = true
					changed = true
					break
				}
			}
		}
	}
	for _, s := range d.Stages {
		if s.ID != id && affected[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

func (d Definition) stage(id domain.StageID) (StageDef, bool) {
	for _, s := range d.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageDef{}, false
}
