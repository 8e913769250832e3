package backend

import (
	"slices"
	"strconv"
	"strings"

	"github.com/pitabwire/watchtower/model"
)

// matches applies the Filter and Search parts of q to one record. A filter
// on a list field matches when the list contains the value.
func matches(rec model.Record, q model.Query) bool {
	for field, want := range q.Filter {
		if !fieldHas(rec[field], want) {
			return false
		}
	}
	for field, needle := range q.Search {
		if needle == "" {
			continue
		}
		if !strings.Contains(strings.ToLower(rec.String(field)), strings.ToLower(needle)) {
			return false
		}
	}
	return true
}

func fieldHas(v any, want string) bool {
	switch t := v.(type) {
	case []string:
		return slices.Contains(t, want)
	case []any:
		for _, item := range t {
			if s, ok := model.Scalar(item); ok && s == want {
				return true
			}
		}
		return false
	default:
		s, _ := model.Scalar(v)
		return s == want
	}
}

// sortRecords orders recs by field, numerically when both values are
// integers. An empty field sorts by id.
func sortRecords(recs []model.Record, field string, order model.SortOrder) {
	if field == "" {
		field = "id"
	}
	slices.SortStableFunc(recs, func(a, b model.Record) int {
		c := compareValues(a.String(field), b.String(field))
		if c == 0 && field != "id" {
			c = compareValues(a.ID(), b.ID())
		}
		if order == model.SortDesc {
			return -c
		}
		return c
	})
}

func compareValues(a, b string) int {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}
