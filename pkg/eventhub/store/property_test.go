package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
)

// TestDuplicateIDsNeverStored checks that any append sequence stores each
// id once and rejects every repeat.
func TestDuplicateIDsNeverStored(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("each id is stored exactly once", prop.ForAll(
		func(picks []int) bool {
			ctx := context.Background()
			s := store.NewMemoryStore()

			pool := make([]event.Event, 8)
			for i := range pool {
				pool[i] = event.New("notes.viewed.logged", "u1", event.SourceAPI, nil)
			}

			seen := map[string]bool{}
			for _, p := range picks {
				evt := pool[p]
				_, err := s.Append(ctx, evt)
				if seen[evt.ID] != errors.Is(err, store.ErrDuplicateID) {
					return false
				}
				if !seen[evt.ID] && err != nil {
					return false
				}
				seen[evt.ID] = true
			}
			return s.Len() == len(seen)
		},
		gen.SliceOf(gen.IntRange(0, 7)),
	))

	properties.TestingRun(t)
}

// TestPhaseEventsFormPrefix drives random, possibly out-of-order phase
// transitions and checks that every chain in the log is a prefix of
// requested, approved, validated.
func TestPhaseEventsFormPrefix(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("phase chains are prefixes", prop.ForAll(
		func(ops []int) bool {
			ctx := context.Background()
			s := store.NewMemoryStore()

			reqs := make([]event.Event, 3)
			for i := range reqs {
				reqs[i] = requested("u1", fmt.Sprintf("s%d", i))
			}

			for _, op := range ops {
				req := reqs[op/3]
				evt := req
				switch op % 3 {
				case 1:
					evt = advance(req, event.ModifierApproved)
				case 2:
					evt = advance(advance(req, event.ModifierApproved), event.ModifierValidated)
				}
				_, _ = s.Append(ctx, evt)
			}

			recs, err := s.Scan(ctx, 0, 1000)
			if err != nil {
				return false
			}
			chains := map[string][]int{}
			for _, rec := range recs {
				idx := event.PhaseIndex(rec.Event.Parsed().Modifier)
				chains[rec.Event.CorrelationID] = append(chains[rec.Event.CorrelationID], idx)
			}
			for _, chain := range chains {
				for i, idx := range chain {
					if idx != i {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 8)),
	))

	properties.TestingRun(t)
}
