package health

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Report is the aggregate of one CheckAll pass.
type Report struct {
	ID         string           `json:"id"`
	Status     Status           `json:"status"`
	DurationMS float64          `json:"duration_ms"`
	Entries    map[string]Entry `json:"entries"`
}

type Entry struct {
	Status      Status         `json:"status"`
	Description string         `json:"description,omitempty"`
	Error       string         `json:"error,omitempty"`
	Fault       string         `json:"fault,omitempty"`
	DurationMS  float64        `json:"duration_ms"`
	Tags        []string       `json:"tags,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

func newEntry(reg Registration, r Result) Entry {
	e := Entry{
		Status:      r.Status,
		Description: r.Description,
		DurationMS:  ms(r.Duration),
		Tags:        reg.Tags,
		Data:        r.Data,
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
		e.Fault = r.Fault().String()
	}
	return e
}

// Filter selects registrations for CheckAll.
type Filter func(Registration) bool

// ByTag selects registrations carrying tag. An empty tag selects all.
func ByTag(tag string) Filter {
	return func(r Registration) bool { return tag == "" || r.HasTag(tag) }
}

// ByName selects the registrations with the given names.
func ByName(names ...string) Filter {
	return func(r Registration) bool { return slices.Contains(names, r.Name) }
}

// CheckAll runs every registration accepted by all filters concurrently.
// An empty selection reports StatusHealthy.
func (r *Registry) CheckAll(ctx context.Context, filters ...Filter) Report {
	start := time.Now()

	r.mu.RLock()
	selected := make([]*entry, 0, len(r.order))
	for _, e := range r.order {
		if accept(e.reg, filters) {
			selected = append(selected, e)
		}
	}
	r.mu.RUnlock()

	results := make([]Result, len(selected))
	var wg sync.WaitGroup
	for i, e := range selected {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.run(ctx, e)
		}()
	}
	wg.Wait()

	rep := Report{
		ID:      uuid.NewString(),
		Status:  StatusHealthy,
		Entries: make(map[string]Entry, len(selected)),
	}
	for i, e := range selected {
		rep.Status = Worst(rep.Status, results[i].Status)
		rep.Entries[e.reg.Name] = newEntry(e.reg, results[i])
	}
	rep.DurationMS = ms(time.Since(start))
	return rep
}

func accept(reg Registration, filters []Filter) bool {
	for _, f := range filters {
		if f != nil && !f(reg) {
			return false
		}
	}
	return true
}
