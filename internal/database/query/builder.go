// Package query builds parameterized SQL predicates from request filters.
package query

import (
	"fmt"
	"strings"
)

// WhereBuilder collects SQL conditions with their bound arguments.
// Placeholders are always "?" so gorm rebinds them for the active dialect.
//
//	wb := query.NewWhereBuilder()
//	wb.AddEquals("p.annee", 2022)
//	wb.AddIn("c.code_insee", []string{"75056", "69123"})
//	where, args := wb.Build()
//	// p.annee = ? AND c.code_insee IN (?, ?)
type WhereBuilder struct {
	clauses []string
	args    []interface{}
}

// NewWhereBuilder creates an empty builder.
func NewWhereBuilder() *WhereBuilder {
	return &WhereBuilder{
		clauses: []string{},
		args:    []interface{}{},
	}
}

// AddClause adds a raw condition with its arguments.
func (wb *WhereBuilder) AddClause(clause string, args ...interface{}) *WhereBuilder {
	wb.clauses = append(wb.clauses, clause)
	wb.args = append(wb.args, args...)
	return wb
}

// AddEquals adds "column = ?".
func (wb *WhereBuilder) AddEquals(column string, value interface{}) *WhereBuilder {
	return wb.AddClause(column+" = ?", value)
}

// AddIn adds "column IN (?, ...)". An empty list is skipped.
func (wb *WhereBuilder) AddIn(column string, values []string) *WhereBuilder {
	if len(values) == 0 {
		return wb
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		wb.args = append(wb.args, v)
	}
	wb.clauses = append(wb.clauses, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")))
	return wb
}

// Build joins the conditions with AND. An empty builder yields "1=1".
func (wb *WhereBuilder) Build() (string, []interface{}) {
	if len(wb.clauses) == 0 {
		return "1=1", []interface{}{}
	}
	return strings.Join(wb.clauses, " AND "), wb.args
}
