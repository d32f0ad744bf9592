package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"engagementcore/pkg/domain"
)

// File formats accepted by the spreadsheet adapter.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// Spreadsheet parses a CSV or XLSX export holding rows of one kind. The
// first non-blank row is the header; column order does not matter.
type Spreadsheet struct {
	Kind domain.EntityKind
	// Name is the uploaded file name; its extension selects the format when
	// Format is empty.
	Name   string
	Format string
	Data   []byte
}

// DetectFormat maps a file name to a supported format.
func DetectFormat(name string) (string, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return FormatCSV, true
	case ".xlsx", ".xlsm":
		return FormatXLSX, true
	}
	return "", false
}

// Parse implements Adapter. A file that cannot be read, or whose header lacks
// a required column, fails with domain.FormatError. Individual bad rows are
// returned in Batch.Rejected.
func (s Spreadsheet) Parse(ctx context.Context) (Batch, error) {
	format := strings.ToLower(s.Format)
	if format == "" {
		detected, ok := DetectFormat(s.Name)
		if !ok {
			return Batch{}, domain.FormatError{Format: strings.TrimPrefix(filepath.Ext(s.Name), "."), Reason: "unsupported file type"}
		}
		format = detected
	}
	sch, ok := schemas[s.Kind]
	if !ok {
		return Batch{}, fmt.Errorf("spreadsheet import does not support %s records", s.Kind)
	}

	var (
		rows [][]string
		err  error
	)
	switch format {
	case FormatCSV:
		rows, err = readCSV(s.Data)
	case FormatXLSX:
		rows, err = readXLSX(s.Data)
	default:
		return Batch{}, domain.FormatError{Format: format, Reason: "unsupported file type"}
	}
	if err != nil {
		return Batch{}, domain.FormatError{Format: format, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	headerRow := -1
	for i, row := range rows {
		if !blank(row) {
			headerRow = i
			break
		}
	}
	if headerRow < 0 {
		return Batch{}, domain.FormatError{Format: format, Reason: "no header row"}
	}
	columns, err := sch.bind(rows[headerRow])
	if err != nil {
		return Batch{}, domain.FormatError{Format: format, Reason: err.Error()}
	}

	batch := Batch{Kind: s.Kind, Source: domain.SourceImport}
	for i := headerRow + 1; i < len(rows); i++ {
		if blank(rows[i]) {
			continue
		}
		rec := record{columns: columns, cells: rows[i]}
		entity, err := sch.build(rec)
		if err != nil {
			batch.Rejected = append(batch.Rejected, RowError{Row: i + 1, Reason: err.Error()})
			continue
		}
		meta := entity.Meta()
		meta.Source = domain.SourceImport
		batch.Records = append(batch.Records, entity.WithMeta(meta))
	}
	return batch, nil
}

func readCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var rows [][]string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		// The reader skips empty lines; pad so row numbers match file lines.
		line, _ := r.FieldPos(0)
		for len(rows) < line-1 {
			rows = append(rows, nil)
		}
		rows = append(rows, row)
	}
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// headerKey reduces a header cell to lowercase letters and digits, so
// "Annual Wages ($)" and "annual_wages" both become "annualwages".
func headerKey(s string) string {
	return strings.ReplaceAll(domain.NormalizeKeyPart(strings.ReplaceAll(s, "_", " ")), " ", "")
}

type column struct {
	field    string
	aliases  []string
	required bool
}

type schema struct {
	columns []column
	build   func(record) (domain.Entity, error)
}

// bind maps each field to a cell index. The first matching header wins.
func (s schema) bind(header []string) (map[string]int, error) {
	lookup := make(map[string]string)
	for _, c := range s.columns {
		lookup[headerKey(c.field)] = c.field
		for _, a := range c.aliases {
			lookup[headerKey(a)] = c.field
		}
	}
	bound := make(map[string]int)
	for i, cell := range header {
		field, ok := lookup[headerKey(cell)]
		if !ok {
			continue
		}
		if _, seen := bound[field]; !seen {
			bound[field] = i
		}
	}
	var missing []string
	for _, c := range s.columns {
		if _, ok := bound[c.field]; c.required && !ok {
			missing = append(missing, c.field)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required column(s): %s", strings.Join(missing, ", "))
	}
	return bound, nil
}

type record struct {
	columns map[string]int
	cells   []string
}

func (r record) get(field string) string {
	i, ok := r.columns[field]
	if !ok || i >= len(r.cells) {
		return ""
	}
	return strings.TrimSpace(r.cells[i])
}

func (r record) required(field string) (string, error) {
	v := r.get(field)
	if v == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	return v, nil
}

func (r record) amount(field string, required bool) (float64, error) {
	raw := r.get(field)
	if raw == "" {
		if required {
			return 0, fmt.Errorf("%s is required", field)
		}
		return 0, nil
	}
	v, err := ParseAmount(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	if required && v == 0 {
		return 0, fmt.Errorf("%s must be greater than zero", field)
	}
	return v, nil
}

func (r record) percent(field string) (float64, error) {
	raw := r.get(field)
	if raw == "" {
		return 0, nil
	}
	v, err := ParsePercent(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func (r record) date(field string) (time.Time, error) {
	raw := r.get(field)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", field, err)
	}
	return t, nil
}

// ParseAmount reads a currency cell such as "$120,000.00" or "(45.10)".
func ParseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	negative := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
	if negative {
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "", "USD", "", "usd", "").Replace(s)
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if negative {
		v = -v
	}
	return v, nil
}

// ParsePercent reads "45", "45%" or "45.5 %" as a value between 0 and 100.
func ParsePercent(s string) (float64, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(v) {
		return 0, fmt.Errorf("invalid percentage %q", s)
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("percentage %v out of range 0-100", v)
	}
	return v, nil
}

var dateLayouts = []string{
	"2006-01-02",
	"1/2/2006",
	"01/02/2006",
	"1/2/06",
	"2006/01/02",
	"Jan 2, 2006",
	"January 2, 2006",
	"2-Jan-2006",
	"02-Jan-06",
	time.RFC3339,
}

// ParseDate accepts the common spreadsheet date renderings and Excel serial
// day numbers from unformatted cells.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial >= 20000 && serial < 2958466 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

var schemas = map[domain.EntityKind]schema{
	domain.KindEmployee: {
		columns: []column{
			{field: "name", aliases: []string{"employee name", "full name", "employee"}, required: true},
			{field: "department", aliases: []string{"dept", "team"}},
			{field: "title", aliases: []string{"job title", "role", "position"}},
			{field: "employee_id", aliases: []string{"employee number", "emp id", "id"}},
			{field: "state", aliases: []string{"work state", "location"}},
			{field: "annual_wages", aliases: []string{"wages", "salary", "w2 wages", "box 1 wages", "annual salary"}, required: true},
			{field: "qualified_percent", aliases: []string{"qualified", "qualified time", "rd percent", "rd"}},
		},
		build: func(r record) (domain.Entity, error) {
			name, err := r.required("name")
			if err != nil {
				return nil, err
			}
			wages, err := r.amount("annual_wages", true)
			if err != nil {
				return nil, err
			}
			pct, err := r.percent("qualified_percent")
			if err != nil {
				return nil, err
			}
			return domain.Employee{
				Name:             name,
				Department:       r.get("department"),
				Title:            r.get("title"),
				EmployeeID:       r.get("employee_id"),
				State:            r.get("state"),
				AnnualWages:      wages,
				QualifiedPercent: pct,
			}, nil
		},
	},
	domain.KindProject: {
		columns: []column{
			{field: "name", aliases: []string{"project", "project name"}, required: true},
			{field: "description", aliases: []string{"project description", "summary"}},
			{field: "business_component", aliases: []string{"component", "product"}},
			{field: "permitted_purpose", aliases: []string{"purpose"}},
			{field: "technological_nature", aliases: []string{"technological information"}},
			{field: "elimination_of_uncertainty", aliases: []string{"uncertainty"}},
			{field: "process_of_experimentation", aliases: []string{"experimentation"}},
		},
		build: func(r record) (domain.Entity, error) {
			name, err := r.required("name")
			if err != nil {
				return nil, err
			}
			return domain.Project{
				Name:              name,
				Description:       r.get("description"),
				BusinessComponent: r.get("business_component"),
				Test: domain.FourPartTest{
					PermittedPurpose:         domain.TestSection{Narrative: r.get("permitted_purpose")},
					TechnologicalNature:      domain.TestSection{Narrative: r.get("technological_nature")},
					EliminationOfUncertainty: domain.TestSection{Narrative: r.get("elimination_of_uncertainty")},
					ProcessOfExperimentation: domain.TestSection{Narrative: r.get("process_of_experimentation")},
				},
			}, nil
		},
	},
	domain.KindSupplyExpense: {
		columns: []column{
			{field: "vendor", aliases: []string{"supplier", "payee"}, required: true},
			{field: "description", aliases: []string{"memo", "item"}},
			{field: "date", aliases: []string{"invoice date", "transaction date", "posted"}},
			{field: "amount", aliases: []string{"total", "cost"}, required: true},
			{field: "project_id", aliases: []string{"project"}},
			{field: "gl_account", aliases: []string{"account", "gl"}},
		},
		build: func(r record) (domain.Entity, error) {
			vendor, err := r.required("vendor")
			if err != nil {
				return nil, err
			}
			amount, err := r.amount("amount", true)
			if err != nil {
				return nil, err
			}
			date, err := r.date("date")
			if err != nil {
				return nil, err
			}
			return domain.SupplyExpense{
				Vendor:      vendor,
				Description: r.get("description"),
				Date:        date,
				Amount:      amount,
				ProjectID:   r.get("project_id"),
				GLAccount:   r.get("gl_account"),
			}, nil
		},
	},
	domain.KindContractResearch: {
		columns: []column{
			{field: "contractor", aliases: []string{"vendor", "provider", "firm"}, required: true},
			{field: "description", aliases: []string{"memo", "scope"}},
			{field: "date", aliases: []string{"invoice date", "transaction date"}},
			{field: "amount", aliases: []string{"total", "cost", "fees"}, required: true},
			{field: "project_id", aliases: []string{"project"}},
			{field: "qualified_percent", aliases: []string{"qualified", "rd percent"}},
		},
		build: func(r record) (domain.Entity, error) {
			contractor, err := r.required("contractor")
			if err != nil {
				return nil, err
			}
			amount, err := r.amount("amount", true)
			if err != nil {
				return nil, err
			}
			date, err := r.date("date")
			if err != nil {
				return nil, err
			}
			pct, err := r.percent("qualified_percent")
			if err != nil {
				return nil, err
			}
			return domain.ContractResearch{
				Contractor:       contractor,
				Description:      r.get("description"),
				Date:             date,
				Amount:           amount,
				ProjectID:        r.get("project_id"),
				QualifiedPercent: pct,
			}, nil
		},
	},
}

// SupportedKinds lists the kinds the spreadsheet adapter can import.
func SupportedKinds() []domain.EntityKind {
	return []domain.EntityKind{domain.KindEmployee, domain.KindProject, domain.KindSupplyExpense, domain.KindContractResearch}
}
