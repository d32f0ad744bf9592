package domain

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeKeyPart folds case and width, drops punctuation and collapses
// whitespace so "ACME, Inc." and "acme inc" compare equal.
func NormalizeKeyPart(s string) string {
	folded := cases.Fold().String(norm.NFKC.String(s))
	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			space = b.Len() > 0
		default:
			if space {
				b.WriteByte(' ')
				space = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.DateOnly)
}

func normalizeAmount(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', 2, 64)
}

// joinKey builds a key from parts. The first required parts must be
// non-empty; later parts are optional and an empty value is kept as is, so a
// record without a department or date still matches its own re-import.
func joinKey(prefix string, required int, parts ...string) string {
	for _, p := range parts[:required] {
		if p == "" {
			return ""
		}
	}
	return prefix + ":" + strings.Join(parts, "|")
}

// MatchKeys returns the identity keys of e in priority order. Records that
// share any key are candidates for the same real-world entity. An empty
// result means the record cannot be matched and is always new.
func MatchKeys(e Entity) []string {
	var keys []string
	add := func(k string) {
		if k != "" {
			keys = append(keys, k)
		}
	}
	switch v := e.(type) {
	case Employee:
		add(joinKey("employee_id", 1, NormalizeKeyPart(v.EmployeeID)))
		add(joinKey("name_department", 1, NormalizeKeyPart(v.Name), NormalizeKeyPart(v.Department)))
	case Project:
		add(joinKey("name", 1, NormalizeKeyPart(v.Name)))
	case SupplyExpense:
		add(tupleKey("vendor_date_amount", NormalizeKeyPart(v.Vendor), normalizeDate(v.Date), normalizeAmount(v.Amount)))
	case ContractResearch:
		add(tupleKey("contractor_date_amount", NormalizeKeyPart(v.Contractor), normalizeDate(v.Date), normalizeAmount(v.Amount)))
	case UploadedDocument:
		if v.Checksum != "" {
			add(joinKey("checksum", 1, strings.ToLower(v.Checksum)))
		} else {
			add(joinKey("name", 1, NormalizeKeyPart(v.Name)))
		}
	case ExternalConnection:
		add(joinKey("provider", 1, NormalizeKeyPart(v.Provider)))
	}
	return keys
}

// tupleKey keys an expense by counterparty, date and amount. The date may be
// missing; counterparty and amount may not.
func tupleKey(prefix, party, date, amount string) string {
	if amount == "" {
		return ""
	}
	return joinKey(prefix, 1, party, date, amount)
}

// Compatible reports whether two records sharing a match key may describe the
// same entity. Employees carrying different external ids never match.
func Compatible(existing, incoming Entity) bool {
	a, ok := existing.(Employee)
	if !ok {
		return true
	}
	b, ok := incoming.(Employee)
	if !ok {
		return true
	}
	ea, eb := NormalizeKeyPart(a.EmployeeID), NormalizeKeyPart(b.EmployeeID)
	return ea == "" || eb == "" || ea == eb
}
