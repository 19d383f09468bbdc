// Package sentryclient reports errors, messages, and crash events to a
// Sentry-compatible ingestion endpoint using the envelope protocol.
//
// Captures are cheap and never block: events are merged with the
// current scope, serialized into envelopes, and handed to a background
// transport that owns queuing, retries, and rate limiting.
//
// # Core Components
//
// The library is organized around these concepts:
//
//   - Event: the unit of report, with level, exception chain, tags, and breadcrumbs
//   - Scope: contextual state (tags, user, breadcrumbs) layered on a stack and merged into events
//   - Hub: binds a client to a scope stack; each goroutine or request owns its own hub
//   - Client: sampling, before-send filtering, scope merge, envelope assembly
//   - Transport: bounded async delivery with drop-oldest overflow, backoff retries, and rate-limit handling
//
// # Quick Start
//
//	err := sentryclient.Init(sentryclient.Options{
//	    DSN:         "https://key@o123.ingest.sentry.io/42",
//	    Environment: "production",
//	    Release:     "api@1.4.0",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sentryclient.Close()
//
//	sentryclient.ConfigureScope(func(scope *sentryclient.Scope) {
//	    scope.SetTag("region", "eu-west-1")
//	})
//	sentryclient.CaptureException(err)
//
// Per-request isolation uses cloned hubs carried on the context:
//
//	hub := sentryclient.CurrentHub().Clone()
//	ctx = sentryclient.SetHubOnContext(ctx, hub)
//	// later, anywhere down the call chain:
//	sentryclient.GetHubFromContext(ctx).CaptureException(err)
//
// # Delivery Semantics
//
//   - Capture calls never block and never return transport errors
//   - The delivery queue is bounded; on overflow the oldest envelope is evicted first
//   - Failed sends retry with exponential backoff and jitter, up to a configured attempt cap
//   - Rate limits signaled by the server pause affected categories without consuming retry attempts
//   - Flush blocks until delivery settles or the timeout passes; Close flushes once, then stops
//
// Dropped and filtered events are tallied and reported to the server as
// client reports, and exposed locally through a prometheus collector.
package sentryclient
