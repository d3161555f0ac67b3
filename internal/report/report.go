// Package report builds the frequency tables shown above the record list.
package report

import (
	"sort"

	"github.com/phillip-england/returndesk/internal/returns"
)

type Count struct {
	Key   string
	Count int
}

type Summary struct {
	Total         int
	ByProductName []Count
	ByBarcode     []Count
	ByReason      []Count
}

func Build(table returns.Table) Summary {
	return Summary{
		Total:         len(table),
		ByProductName: CountBy(table, func(r returns.Record) string { return r.ProductName }),
		ByBarcode:     CountBy(table, func(r returns.Record) string { return r.Barcode }),
		ByReason:      CountBy(table, func(r returns.Record) string { return string(r.Reason) }),
	}
}

// CountBy groups rows by key and sorts by descending count. Equal counts keep the order
// in which the key first appeared.
func CountBy(table returns.Table, key func(returns.Record) string) []Count {
	counts := []Count{}
	index := map[string]int{}
	for _, rec := range table {
		k := key(rec)
		if i, ok := index[k]; ok {
			counts[i].Count++
			continue
		}
		index[k] = len(counts)
		counts = append(counts, Count{Key: k, Count: 1})
	}
	sort.SliceStable(counts, func(i, j int) bool {
		return counts[i].Count > counts[j].Count
	})
	return counts
}
