package pipeline_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
)

// TestOneApprovalPerLogicalRequest submits random sequences of possibly
// repeated create requests and checks that each distinct payload is
// approved and validated exactly once.
func TestOneApprovalPerLogicalRequest(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("approved count equals distinct payloads", prop.ForAll(
		func(picks []int) bool {
			ctx := context.Background()
			h := newHarness(t, harnessOptions{})

			distinct := map[int]bool{}
			for _, p := range picks {
				if _, err := h.submitter.Submit(ctx, createNote(fmt.Sprintf("note-%d", p))); err != nil {
					return false
				}
				distinct[p] = true
			}
			if _, err := h.relay.Drain(ctx); err != nil {
				return false
			}

			approved := h.events(t, "u1", "*.*."+event.ModifierApproved)
			validated := h.events(t, "u1", "*.*."+event.ModifierValidated)
			return len(approved) == len(distinct) &&
				len(validated) == len(distinct) &&
				h.projection.Len() == len(distinct)
		},
		gen.SliceOfN(12, gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}
