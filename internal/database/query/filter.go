package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind tells how a raw request value is converted before binding.
type Kind int

const (
	String Kind = iota
	Int
	// List splits a comma separated value into an IN predicate
	List
)

// Filter maps a request parameter name to the column it constrains.
type Filter struct {
	Param  string
	Column string
	Kind   Kind
}

// Apply adds one predicate per filter whose parameter is present and non-empty in
// params, in the order of filters. Values that do not convert return an error
// naming the parameter.
func Apply(wb *WhereBuilder, filters []Filter, params map[string]string) error {
	for _, f := range filters {
		raw := strings.TrimSpace(params[f.Param])
		if raw == "" {
			continue
		}

		switch f.Kind {
		case Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %q", f.Param, raw)
			}
			wb.AddEquals(f.Column, n)
		case List:
			var values []string
			for _, v := range strings.Split(raw, ",") {
				if v = strings.TrimSpace(v); v != "" {
					values = append(values, v)
				}
			}
			wb.AddIn(f.Column, values)
		default:
			wb.AddEquals(f.Column, raw)
		}
	}
	return nil
}
