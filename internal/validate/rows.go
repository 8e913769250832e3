package validate

import (
	"github.com/pitabwire/watchtower/model"
)

// DropEmptyRows returns the rows in which at least one of keys carries a
// value. With no keys every field of the row is considered. The input slice
// is not modified.
func DropEmptyRows(rows []map[string]any, keys ...string) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if !rowIsEmpty(row, keys) {
			out = append(out, row)
		}
	}
	return out
}

func rowIsEmpty(row map[string]any, keys []string) bool {
	if len(keys) == 0 {
		for _, v := range row {
			if !model.IsBlank(v) {
				return false
			}
		}
		return true
	}
	for _, k := range keys {
		if !model.IsBlank(row[k]) {
			return false
		}
	}
	return true
}
