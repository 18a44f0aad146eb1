// Package dispatch routes stored events to subscribed handlers.
//
// Handlers subscribe to a type pattern under a unique name before the
// dispatcher starts:
//
//	d := dispatch.New(dispatch.Config{Logger: logger})
//	d.Use(dispatch.Recovery(), dispatch.Logging(logger))
//	d.Subscribe("*.*.requested", "permission", permissionHandler)
//	d.Subscribe("entities.*.approved", "projection", worker)
//	d.Start(ctx)
//
// A Relay tails the store's Log and feeds the dispatcher:
//
//	relay := dispatch.NewRelay(eventStore, d, dispatch.RelayConfig{})
//	relay.Start(ctx)
//
// # Delivery guarantees
//
// Delivery is at-least-once. The relay saves its cursor only after every
// handler finished the batch, so a crash replays the batch. Each
// subscription retries on its own with exponential backoff and a
// per-attempt timeout; once retries are exhausted a Failure is written to
// the FailureLog. A failing handler never affects other subscriptions and
// never rolls back the event.
//
// # Ordering
//
// Within a subscription, events of one subject are handled in the order
// they were dispatched. Events of different subjects, and different
// subscriptions, run concurrently.
package dispatch
