// Package query turns table declarations and request parameters into storage
// queries and serializes the results into the table render contract.
package query

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pitabwire/tabula/table"
)

// Params are the client inputs of a table render.
type Params struct {
	Page      int
	PerPage   int
	Sort      string
	Direction string
	Search    string
	Filters   map[string]table.FilterValue

	// Path and Values are used to build pagination links that keep the
	// current query string.
	Path   string
	Values url.Values
}

// ParseParams reads render parameters from a query string:
//
//	page, per_page, sort, direction, search,
//	filter[key], filter[key][from], filter[key][to]
func ParseParams(path string, values url.Values) Params {
	p := Params{
		Page:      intValue(values.Get("page"), 1),
		PerPage:   intValue(values.Get("per_page"), 0),
		Sort:      values.Get("sort"),
		Direction: values.Get("direction"),
		Search:    values.Get("search"),
		Filters:   make(map[string]table.FilterValue),
		Path:      path,
		Values:    values,
	}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		name, bound, ok := filterKey(key)
		if !ok {
			continue
		}
		fv := p.Filters[name]
		switch bound {
		case "":
			fv.Value = vals[0]
		case "from":
			fv.From = vals[0]
		case "to":
			fv.To = vals[0]
		default:
			continue
		}
		p.Filters[name] = fv
	}
	return p
}

// filterKey splits "filter[age][from]" into ("age", "from").
func filterKey(key string) (name, bound string, ok bool) {
	rest, found := strings.CutPrefix(key, "filter[")
	if !found {
		return "", "", false
	}
	name, rest, found = strings.Cut(rest, "]")
	if !found || name == "" {
		return "", "", false
	}
	if rest == "" {
		return name, "", true
	}
	inner, found := strings.CutPrefix(rest, "[")
	if !found || !strings.HasSuffix(inner, "]") {
		return "", "", false
	}
	return name, strings.TrimSuffix(inner, "]"), true
}

func intValue(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
