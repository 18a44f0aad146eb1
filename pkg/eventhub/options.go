package eventhub

import (
	"log/slog"
	"net/http"

	"github.com/randalmurphal/eventhub/pkg/eventhub/blob"
	"github.com/randalmurphal/eventhub/pkg/eventhub/clock"
	"github.com/randalmurphal/eventhub/pkg/eventhub/event"
	"github.com/randalmurphal/eventhub/pkg/eventhub/hub"
	"github.com/randalmurphal/eventhub/pkg/eventhub/pipeline"
	"github.com/randalmurphal/eventhub/pkg/eventhub/store"
)

// buildConfig holds what New cannot read from Settings.
type buildConfig struct {
	logger     *slog.Logger
	clock      clock.Clock
	schemas    *event.Schemas
	store      store.EventStore
	blobs      blob.Store
	httpClient *http.Client
	providers  []hub.DataProvider
	projection pipeline.Projection
}

// Option configures New.
type Option func(*buildConfig)

// WithLogger sets the logger. Default: built from Settings.Log on stderr.
func WithLogger(l *slog.Logger) Option {
	return func(c *buildConfig) { c.logger = l }
}

// WithClock sets the clock every component reads. Default: clock.Real().
func WithClock(clk clock.Clock) Option {
	return func(c *buildConfig) { c.clock = clk }
}

// WithSchemas sets the data schemas. It takes precedence over
// Settings.Pipeline.SchemaDir.
func WithSchemas(s *event.Schemas) Option {
	return func(c *buildConfig) { c.schemas = s }
}

// WithStore replaces the store selected by Settings.Store. The platform
// closes it on Stop.
func WithStore(s store.EventStore) Option {
	return func(c *buildConfig) { c.store = s }
}

// WithBlobStore replaces the store selected by Settings.Blob.
func WithBlobStore(b blob.Store) Option {
	return func(c *buildConfig) { c.blobs = b }
}

// WithHTTPClient sets the client webhook deliveries use.
func WithHTTPClient(client *http.Client) Option {
	return func(c *buildConfig) { c.httpClient = client }
}

// WithDataProvider adds a Hub Protocol scope category.
func WithDataProvider(p hub.DataProvider) Option {
	return func(c *buildConfig) { c.providers = append(c.providers, p) }
}

// WithProjection sets the read model the pipeline writes. A supplied
// projection is trusted to be durable and is not rebuilt. Default: an
// in-memory projection rebuilt from the store's validated events.
func WithProjection(proj pipeline.Projection) Option {
	return func(c *buildConfig) { c.projection = proj }
}
