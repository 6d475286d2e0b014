// Package filter implements the pure compilation of a structured filter
// description into a SQL WHERE fragment. It never touches the engine.
package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gdxviewer/query-server/internal/sqlident"
)

// TextFilter selects rows whose column value is one of SelectedValues.
// An empty set means "no filter on this column".
type TextFilter struct {
	SelectedValues []string `json:"selectedValues"`
}

// NumericFilter applies a range plus special-value visibility to a
// numeric column. Defaults (applied by UnmarshalJSON): every Show*
// field true, Exclude false, Min/Max unbounded.
type NumericFilter struct {
	Min          *float64 `json:"min,omitempty"`
	Max          *float64 `json:"max,omitempty"`
	Exclude      bool     `json:"exclude"`
	ShowEPS      bool     `json:"showEPS"`
	ShowNA       bool     `json:"showNA"`
	ShowPosInf   bool     `json:"showPosInf"`
	ShowNegInf   bool     `json:"showNegInf"`
	ShowUNDF     bool     `json:"showUNDF"`
	ShowAcronyms bool     `json:"showAcronyms"` // display-only; carried through but never narrows rows
}

// DefaultNumericFilter returns a NumericFilter with every Show* flag
// true and no bounds: an unset filter excludes nothing.
func DefaultNumericFilter() NumericFilter {
	return NumericFilter{ShowEPS: true, ShowNA: true, ShowPosInf: true, ShowNegInf: true, ShowUNDF: true, ShowAcronyms: true}
}

// FilterValue is the tagged union of Text/Numeric. The wire
// discriminator is the presence of the "exclude" field, checked once at
// unmarshal time.
type FilterValue struct {
	Text    *TextFilter
	Numeric *NumericFilter
}

func (v *FilterValue) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("unmarshal filter value: %w", err)
	}
	if _, isNumeric := probe["exclude"]; isNumeric {
		n := DefaultNumericFilter()
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unmarshal numeric filter: %w", err)
		}
		v.Numeric = &n
		return nil
	}
	var t TextFilter
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("unmarshal text filter: %w", err)
	}
	v.Text = &t
	return nil
}

func (v FilterValue) MarshalJSON() ([]byte, error) {
	if v.Numeric != nil {
		return json.Marshal(v.Numeric)
	}
	if v.Text != nil {
		return json.Marshal(v.Text)
	}
	return json.Marshal(TextFilter{})
}

// Filter is one column's filter: which column, and the tagged filter
// value applied to it.
type Filter struct {
	ColumnName string      `json:"columnName"`
	Value      FilterValue `json:"filterValue"`
}

// Special values a numeric column may hold, encoded as strings by the
// reader rather than as ordinary floats.
const (
	labelEPS  = "EPS"
	labelNA   = "NA"
	labelUNDF = "UNDF"
)

// Compile compiles an ordered list of filters into a single WHERE
// fragment (without the leading "WHERE"), or "" if no filter narrows
// the result set. The compiler is pure and deterministic.
func Compile(filters []Filter) string {
	var clauses []string
	for _, f := range filters {
		var clause string
		switch {
		case f.Value.Text != nil:
			clause = compileText(f.ColumnName, f.Value.Text)
		case f.Value.Numeric != nil:
			clause = compileNumeric(f.ColumnName, f.Value.Numeric)
		}
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}
	return strings.Join(clauses, " AND ")
}

func compileText(column string, t *TextFilter) string {
	if len(t.SelectedValues) == 0 {
		return ""
	}
	quoted := make([]string, len(t.SelectedValues))
	for i, v := range t.SelectedValues {
		quoted[i] = sqlident.QuoteLiteral(v)
	}
	return fmt.Sprintf("%s IN (%s)", sqlident.Quote(column), strings.Join(quoted, ","))
}

func compileNumeric(column string, n *NumericFilter) string {
	var infinities []string
	if !n.ShowPosInf {
		infinities = append(infinities, "Infinity")
	}
	if !n.ShowNegInf {
		infinities = append(infinities, "-Infinity")
	}

	var stringSpecials []string
	if !n.ShowEPS {
		stringSpecials = append(stringSpecials, labelEPS)
	}
	if !n.ShowNA {
		stringSpecials = append(stringSpecials, labelNA)
	}
	if !n.ShowUNDF {
		stringSpecials = append(stringSpecials, labelUNDF)
	}

	if len(infinities) == 0 && len(stringSpecials) == 0 && n.Min == nil && n.Max == nil {
		return ""
	}

	quotedCol := sqlident.Quote(column)
	var parts []string

	for _, inf := range infinities {
		parts = append(parts, fmt.Sprintf("%s != CAST(%s AS DOUBLE)", quotedCol, sqlident.QuoteLiteral(inf)))
	}
	if len(stringSpecials) > 0 {
		quoted := make([]string, len(stringSpecials))
		for i, s := range stringSpecials {
			quoted[i] = sqlident.QuoteLiteral(s)
		}
		parts = append(parts, fmt.Sprintf("CAST(%s AS VARCHAR) NOT IN (%s)", quotedCol, strings.Join(quoted, ",")))
	}
	if n.Min != nil {
		parts = append(parts, fmt.Sprintf("%s >= %s", quotedCol, formatNumber(*n.Min)))
	}
	if n.Max != nil {
		parts = append(parts, fmt.Sprintf("%s <= %s", quotedCol, formatNumber(*n.Max)))
	}

	conjunction := strings.Join(parts, " AND ")
	if n.Exclude {
		conjunction = "NOT (" + conjunction + ")"
	}
	return "(" + conjunction + ")"
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
