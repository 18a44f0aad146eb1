// Package registry provides the explicit registries eventhub builds at
// startup instead of process-wide singletons.
//
// # Keyed Registry
//
// Registry is a thread-safe map populated once, for example data providers
// keyed by scope category:
//
//	providers := registry.New[string, hub.DataProvider]()
//	_ = providers.Register("notes", notesProvider)
//
// # Pattern Registry
//
// Patterns routes concrete event types to values registered under
// type patterns. The dispatcher keeps its subscriptions here:
//
//	routes := registry.NewPatterns[*subscription](event.Match)
//	routes.Add("entities.create.*", sub)
//	subs := routes.Match("entities.create.requested")
//
// Match results are cached per concrete type, so routing a hot type costs
// one read-locked map lookup.
package registry
