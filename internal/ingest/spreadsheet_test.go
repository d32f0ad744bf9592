package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"engagementcore/pkg/domain"
)

const employeeCSV = `Employee Name,Department,Job Title,Annual Wages ($),Qualified %
Ada Lovelace,R&D,Engineer,"$120,000.00",80
Bo Chen,R&D,Scientist,95000,65%

Cy Diaz,Ops,Analyst,not-a-number,10
Di Ek,R&D,Lead,150000,
`

func TestSpreadsheetCSVAcceptsValidRowsAndReportsBadOnes(t *testing.T) {
	batch, err := Spreadsheet{Kind: domain.KindEmployee, Name: "staff.CSV", Data: []byte(employeeCSV)}.Parse(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.SourceImport, batch.Source)
	require.Equal(t, domain.KindEmployee, batch.Kind)
	require.Len(t, batch.Records, 3)
	require.Len(t, batch.Rejected, 1)
	require.Equal(t, 5, batch.Rejected[0].Row)
	require.Contains(t, batch.Rejected[0].Reason, "annual_wages")

	ada := batch.Records[0].(domain.Employee)
	require.Equal(t, "Ada Lovelace", ada.Name)
	require.Equal(t, "Engineer", ada.Title)
	require.Equal(t, 120000.0, ada.AnnualWages)
	require.Equal(t, 80.0, ada.QualifiedPercent)
	require.Equal(t, domain.SourceImport, ada.Source)
	require.Equal(t, 65.0, batch.Records[1].(domain.Employee).QualifiedPercent)
	require.Zero(t, batch.Records[2].(domain.Employee).QualifiedPercent)
}

func TestSpreadsheetMissingRequiredColumnIsFormatError(t *testing.T) {
	data := []byte("name,department\nAda,R&D\n")
	_, err := Spreadsheet{Kind: domain.KindEmployee, Name: "staff.csv", Data: data}.Parse(context.Background())
	var fe domain.FormatError
	require.True(t, errors.As(err, &fe), "got %v", err)
	require.Equal(t, FormatCSV, fe.Format)
	require.Contains(t, fe.Reason, "annual_wages")
}

func TestSpreadsheetRejectsUnreadableInput(t *testing.T) {
	ctx := context.Background()
	cases := map[string]Spreadsheet{
		"unknown extension": {Kind: domain.KindEmployee, Name: "staff.pdf", Data: []byte("%PDF")},
		"empty file":        {Kind: domain.KindEmployee, Name: "staff.csv", Data: []byte("\n\n")},
		"broken quoting":    {Kind: domain.KindEmployee, Name: "staff.csv", Data: []byte("name,wages\n\"Ada,100\n")},
		"not a workbook":    {Kind: domain.KindEmployee, Name: "staff.xlsx", Data: []byte("name,wages\n")},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := in.Parse(ctx)
			var fe domain.FormatError
			require.True(t, errors.As(err, &fe), "got %v", err)
		})
	}
}

func TestSpreadsheetUnsupportedKind(t *testing.T) {
	_, err := Spreadsheet{Kind: domain.KindConnection, Name: "x.csv", Data: []byte("provider\nacme\n")}.Parse(context.Background())
	require.Error(t, err)
	var fe domain.FormatError
	require.False(t, errors.As(err, &fe))
}

func TestSpreadsheetXLSXSupplies(t *testing.T) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"Supplier", "Invoice Date", "Total", "GL Account", "Memo"},
		{"Acme Labs", "2026-02-03", "1,250.50", "6100", "Reagents"},
		{"Beta Parts", "3/15/2026", "(20.00)", "6100", "Credit memo"},
		{"", "2026-02-04", "99", "", "no vendor"},
		{"Gamma Glass", "45300", "310", "", ""},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	batch, err := Spreadsheet{Kind: domain.KindSupplyExpense, Name: "ledger.xlsx", Data: buf.Bytes()}.Parse(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	require.Len(t, batch.Rejected, 2)
	require.Equal(t, 3, batch.Rejected[0].Row)
	require.Contains(t, batch.Rejected[0].Reason, "negative")
	require.Equal(t, 4, batch.Rejected[1].Row)
	require.Contains(t, batch.Rejected[1].Reason, "vendor")

	acme := batch.Records[0].(domain.SupplyExpense)
	require.Equal(t, "Acme Labs", acme.Vendor)
	require.Equal(t, 1250.50, acme.Amount)
	require.Equal(t, "6100", acme.GLAccount)
	require.Equal(t, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC), acme.Date)

	gamma := batch.Records[1].(domain.SupplyExpense)
	require.Equal(t, 2024, gamma.Date.Year())
}

func TestSpreadsheetProjectNarratives(t *testing.T) {
	data := []byte("Project Name,Description,Permitted Purpose,Uncertainty\nFlux,New capacitor,Improve density,Unknown chemistry\n")
	batch, err := Spreadsheet{Kind: domain.KindProject, Format: "CSV", Data: data}.Parse(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	p := batch.Records[0].(domain.Project)
	require.True(t, p.Complete())
	require.False(t, p.TestComplete())
	require.Equal(t, "Unknown chemistry", p.Test.EliminationOfUncertainty.Narrative)
}

func TestParseHelpers(t *testing.T) {
	for in, want := range map[string]float64{
		"$120,000.00": 120000,
		"  42 ":       42,
		"(45.10)":     -45.10,
		"-3":          -3,
		"USD 7.5":     7.5,
	} {
		got, err := ParseAmount(in)
		require.NoError(t, err, in)
		require.InDelta(t, want, got, 1e-9, in)
	}
	_, err := ParseAmount("12abc")
	require.Error(t, err)

	pct, err := ParsePercent("45.5 %")
	require.NoError(t, err)
	require.Equal(t, 45.5, pct)
	_, err = ParsePercent("101")
	require.Error(t, err)

	for _, in := range []string{"2026-01-31", "1/31/2026", "Jan 31, 2026", "31-Jan-2026"} {
		d, err := ParseDate(in)
		require.NoError(t, err, in)
		require.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), d, in)
	}
	_, err = ParseDate("2024")
	require.Error(t, err)

	require.Equal(t, "annualwages", headerKey("Annual Wages ($)"))
	require.Equal(t, "annualwages", headerKey("annual_wages"))
	require.Equal(t, "rd", headerKey("R&D %"))
}
