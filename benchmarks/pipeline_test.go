package benchmarks

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/randalmurphal/eventhub/pkg/eventhub"
	"github.com/randalmurphal/eventhub/pkg/eventhub/config"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/pipeline"
)

// BenchmarkRequestCycle submits a create and relays it to validated.
func BenchmarkRequestCycle(b *testing.B) {
	ctx := context.Background()
	p, err := eventhub.New(ctx, config.Defaults(),
		eventhub.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		b.Fatal(err)
	}
	// The background relay is not started; Drain does all relaying.
	p.Dispatcher.Start(ctx)
	defer p.Stop(ctx)
	defer p.Dispatcher.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := p.Submitter.Submit(ctx, pipeline.Mutation{
			UserID:     "u1",
			Collection: "entities",
			Action:     event.ActionCreate,
			Data:       map[string]any{"title": "bench", "n": i},
		})
		if err != nil {
			b.Fatal(err)
		}
		if _, err := p.Relay.Drain(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
