package domain

import "strings"

// FourPartSection names one section of the research credit four-part test.
type FourPartSection string

// The four sections, in the order they are presented to preparers.
const (
	SectionPermittedPurpose         FourPartSection = "permitted_purpose"
	SectionTechnologicalNature      FourPartSection = "technological_nature"
	SectionEliminationOfUncertainty FourPartSection = "elimination_of_uncertainty"
	SectionProcessOfExperimentation FourPartSection = "process_of_experimentation"
)

// TestSection holds the boolean sub-criteria and narrative for one section.
type TestSection struct {
	Criteria  map[string]bool `json:"criteria,omitempty"`
	Narrative string          `json:"narrative"`
}

// FourPartTest is owned exclusively by its Project.
type FourPartTest struct {
	PermittedPurpose         TestSection `json:"permitted_purpose"`
	TechnologicalNature      TestSection `json:"technological_nature"`
	EliminationOfUncertainty TestSection `json:"elimination_of_uncertainty"`
	ProcessOfExperimentation TestSection `json:"process_of_experimentation"`
}

// Sections returns the four sections keyed by name.
func (t FourPartTest) Sections() map[FourPartSection]TestSection {
	return map[FourPartSection]TestSection{
		SectionPermittedPurpose:         t.PermittedPurpose,
		SectionTechnologicalNature:      t.TechnologicalNature,
		SectionEliminationOfUncertainty: t.EliminationOfUncertainty,
		SectionProcessOfExperimentation: t.ProcessOfExperimentation,
	}
}

// Complete reports whether every narrative is non-empty.
func (t FourPartTest) Complete() bool {
	for _, section := range t.Sections() {
		if strings.TrimSpace(section.Narrative) == "" {
			return false
		}
	}
	return true
}

func (t FourPartTest) clone() FourPartTest {
	t.PermittedPurpose = t.PermittedPurpose.clone()
	t.TechnologicalNature = t.TechnologicalNature.clone()
	t.EliminationOfUncertainty = t.EliminationOfUncertainty.clone()
	t.ProcessOfExperimentation = t.ProcessOfExperimentation.clone()
	return t
}

func (s TestSection) clone() TestSection {
	if s.Criteria == nil {
		return s
	}
	criteria := make(map[string]bool, len(s.Criteria))
	for k, v := range s.Criteria {
		criteria[k] = v
	}
	s.Criteria = criteria
	return s
}

// merge overlays partial: a non-empty narrative replaces, and every criterion
// present in partial (true or false) is set explicitly.
func (s TestSection) merge(partial TestSection) TestSection {
	out := s.clone()
	if strings.TrimSpace(partial.Narrative) != "" {
		out.Narrative = partial.Narrative
	}
	if len(partial.Criteria) > 0 && out.Criteria == nil {
		out.Criteria = make(map[string]bool, len(partial.Criteria))
	}
	for k, v := range partial.Criteria {
		out.Criteria[k] = v
	}
	return out
}

func (t FourPartTest) merge(partial FourPartTest) FourPartTest {
	return FourPartTest{
		PermittedPurpose:         t.PermittedPurpose.merge(partial.PermittedPurpose),
		TechnologicalNature:      t.TechnologicalNature.merge(partial.TechnologicalNature),
		EliminationOfUncertainty: t.EliminationOfUncertainty.merge(partial.EliminationOfUncertainty),
		ProcessOfExperimentation: t.ProcessOfExperimentation.merge(partial.ProcessOfExperimentation),
	}
}
