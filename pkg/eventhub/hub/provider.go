package hub

import (
	"context"
	"slices"
	"time"

	"github.com/randalmurphal/eventhub/pkg/eventhub/registry"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
)

// Filters narrow a data request.
type Filters struct {
	Since     time.Time         `json:"since,omitzero"`
	SubjectID string            `json:"subjectId,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
}

// DataProvider serves one scope category, read-only.
type DataProvider interface {
	Category() string
	Fetch(ctx context.Context, userID string, filters Filters) (any, error)
}

// Providers maps scope categories to their DataProvider. The set of
// registered categories is the set of valid scope entries.
type Providers struct {
	reg *registry.Registry[string, DataProvider]
}

// NewProviders creates an empty provider set.
func NewProviders() *Providers {
	return &Providers{reg: registry.New[string, DataProvider]()}
}

// Register adds p under its category. Categories are unique.
func (p *Providers) Register(dp DataProvider) error {
	return p.reg.Register(dp.Category(), dp)
}

// Get returns the provider for category.
func (p *Providers) Get(category string) (DataProvider, bool) {
	return p.reg.Get(category)
}

// Categories returns the registered categories, sorted.
func (p *Providers) Categories() []string {
	keys := p.reg.Keys()
	slices.Sort(keys)
	return keys
}

// EventProvider serves a category from the user's events matching a type
// pattern. Fetch returns the newest Filters.Limit matches (DefaultReadLimit
// when zero), oldest first.
type EventProvider struct {
	Name    string
	Store   store.Store
	Pattern string
}

// Category implements DataProvider.
func (e EventProvider) Category() string { return e.Name }

// Fetch implements DataProvider.
func (e EventProvider) Fetch(ctx context.Context, userID string, f Filters) (any, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = store.DefaultReadLimit
	}
	q := store.Query{
		UserID:    userID,
		SubjectID: f.SubjectID,
		Type:      e.Pattern,
		Since:     f.Since,
		Limit:     limit,
	}

	// Page forward and keep the last limit records.
	var (
		tail  []store.Record
		after store.Cursor
	)
	for {
		page, err := store.Collect(e.Store.ReadSince(ctx, q, after))
		if err != nil {
			return nil, err
		}
		tail = append(tail, page...)
		if len(tail) > limit {
			tail = tail[len(tail)-limit:]
		}
		if len(page) < limit {
			break
		}
		after = page[len(page)-1].Position
	}

	out := make([]map[string]any, 0, len(tail))
	for _, r := range tail {
		evt := r.Event
		out = append(out, map[string]any{
			"id":        evt.ID,
			"type":      evt.Type,
			"subjectId": evt.SubjectID,
			"data":      evt.Data,
			"timestamp": evt.Timestamp,
		})
	}
	return out, nil
}
