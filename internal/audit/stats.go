package audit

import (
	"math"
	"sort"
	"strings"
	"time"

	"label-print-service/internal/domain"
)

// UnknownStore labels traces whose client could not be tied to a store.
const UnknownStore = "unknown"

// Stats summarises successful prints over a window of days.
type Stats struct {
	Total        int            `json:"total"`
	Stores       []string       `json:"stores"`
	DailyAverage float64        `json:"daily_average"`
	ByStore      map[string]int `json:"by_store"`
	ByDay        map[string]int `json:"by_day"`
}

// StoreFunc maps a client address to a store id, returning "" when unknown.
type StoreFunc func(clientIP string) string

// Compute counts label copies of successful print traces started within days of now.
// Stores lists every store seen in the window, even when storeFilter narrows the counts.
func Compute(traces []domain.PrintTrace, now time.Time, days int, storeFilter string, storeOf StoreFunc) Stats {
	if days < 1 {
		days = 1
	}
	cutoff := now.AddDate(0, 0, -days)
	stats := Stats{
		Stores:  []string{},
		ByStore: map[string]int{},
		ByDay:   map[string]int{},
	}
	seen := map[string]bool{}
	for _, tr := range traces {
		if tr.Action != "print" || tr.Status != domain.TraceOK || tr.StartedAt.Before(cutoff) {
			continue
		}
		store := traceStore(tr, storeOf)
		if !seen[store] {
			seen[store] = true
			stats.Stores = append(stats.Stores, store)
		}
		if storeFilter != "" && store != storeFilter {
			continue
		}
		copies := tr.Copies
		if copies < 1 {
			copies = 1
		}
		stats.Total += copies
		stats.ByStore[store] += copies
		stats.ByDay[tr.StartedAt.Format("02/01")] += copies
	}
	sort.Strings(stats.Stores)
	stats.DailyAverage = math.Round(float64(stats.Total)/float64(days)*10) / 10
	return stats
}

func traceStore(tr domain.PrintTrace, storeOf StoreFunc) string {
	if tr.StoreID != "" {
		return tr.StoreID
	}
	if storeOf != nil {
		if s := storeOf(tr.ClientIP); s != "" {
			return s
		}
	}
	// stores own 10.<store>.0.0/16
	parts := strings.Split(tr.ClientIP, ".")
	if len(parts) == 4 && parts[0] == "10" {
		return parts[1]
	}
	return UnknownStore
}
