package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventhub/pkg/eventhub/observability"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	// Name keys the persisted cursor.
	// Default: "main"
	Name string

	// BatchSize is the number of events read per step.
	// Default: 100
	BatchSize int

	// PollInterval is how often the background loop checks for new events.
	// Default: 200ms
	PollInterval time.Duration

	// Cursors persists progress. Default: in memory.
	Cursors CursorStore

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
}

// DefaultRelayConfig provides reasonable defaults.
var DefaultRelayConfig = RelayConfig{
	Name:         "main",
	BatchSize:    100,
	PollInterval: 200 * time.Millisecond,
}

// Relay tails the event log and feeds new events to a Dispatcher.
//
// The cursor is saved only after the dispatcher is idle, so a crash
// re-delivers the last batch rather than losing it.
type Relay struct {
	log        store.Log
	dispatcher *Dispatcher
	cfg        RelayConfig

	stepMu sync.Mutex
	cursor store.Cursor
	loaded bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewRelay creates a relay from log to d.
func NewRelay(log store.Log, d *Dispatcher, cfg RelayConfig) *Relay {
	if cfg.Name == "" {
		cfg.Name = DefaultRelayConfig.Name
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRelayConfig.PollInterval
	}
	if cfg.Cursors == nil {
		cfg.Cursors = NewMemoryCursors()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	return &Relay{log: log, dispatcher: d, cfg: cfg}
}

// Step relays one batch and returns how many events it dispatched.
func (r *Relay) Step(ctx context.Context) (int, error) {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()

	if !r.loaded {
		c, err := r.cfg.Cursors.Load(ctx, r.cfg.Name)
		if err != nil {
			return 0, err
		}
		r.cursor, r.loaded = c, true
	}

	records, err := r.log.Scan(ctx, r.cursor, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("scan log: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	for _, rec := range records {
		if err := r.dispatcher.Dispatch(ctx, rec.Event); err != nil {
			return 0, fmt.Errorf("dispatch %s: %w", rec.Event.ID, err)
		}
	}
	if err := r.dispatcher.Idle(ctx); err != nil {
		return 0, err
	}

	last := records[len(records)-1].Position
	if err := r.cfg.Cursors.Save(ctx, r.cfg.Name, last); err != nil {
		return 0, err
	}
	r.cursor = last
	r.cfg.Metrics.RecordRelayBatch(ctx, r.cfg.Name, len(records))
	return len(records), nil
}

// Drain steps until the log has nothing new, including events appended by
// the handlers it ran. It returns the total number of events relayed.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.Step(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// Cursor returns the position of the last relayed event.
func (r *Relay) Cursor() store.Cursor {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()
	return r.cursor
}

// Start relays in the background until Stop is called or ctx ends.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop halts the background loop and waits for the current step.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	done := r.done
	r.mu.Unlock()

	<-done
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil && r.cfg.Logger != nil {
			r.cfg.Logger.Error("relay step failed",
				slog.String("relay", r.cfg.Name),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
		}
	}
}
