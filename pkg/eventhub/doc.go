/*
Package eventhub assembles the event-sourced mutation platform.

# Overview

Every interaction becomes an event in an append-only store. A relay tails
the store and hands each new event to a dispatcher, whose subscriptions
drive the three-phase pipeline:

	*.requested  -> permission handler -> *.approved
	*.approved   -> projection worker  -> *.validated
	*.validated  -> enrichers, webhook fan-out

Callers enter through pipeline.Submitter, directly or by way of the Hub
Protocol gateway, which lets external services read scoped data and submit
insights with short-lived tokens.

# Basic Usage

	settings, err := config.FromConfig(cfg)
	if err != nil {
	    return err
	}
	p, err := eventhub.New(ctx, settings, eventhub.WithSchemas(schemas))
	if err != nil {
	    return err
	}
	p.Start(ctx)
	defer p.Stop(context.Background())

	evt, err := p.Submitter.Submit(ctx, pipeline.Mutation{
	    UserID:     "u1",
	    Collection: "entities",
	    Action:     event.ActionCreate,
	    Data:       map[string]any{"title": "Groceries"},
	})

Submit returns once the requested event is stored. The mutation is applied
when the matching validated event appears; a rejected request produces no
further events.

# HTTP

Handler serves the Hub Protocol under /hub/v1 and webhook subscription
management under /webhooks/v1.

# Packages

  - event: envelope, types, patterns, schemas and codecs
  - store: the append-only log (memory, SQLite, PostgreSQL)
  - dispatch: subscriptions, retry, relay and failure log
  - pipeline: submitter, permission handler, worker and enrichers
  - hub: the Hub Protocol gateway
  - webhook: signed delivery with retry and dead letters
  - blob: content-addressed storage for offloaded fields
  - config: file and environment configuration
*/
package eventhub
