// Package providers loads message lists from heterogeneous sources.
//
// Four load strategies exist: local (in-memory), remote (JSON over HTTP with
// URL templating), remote-settings (paged collection with localization
// attachments), and remote-experiments (messages synthesized from enrollment
// branches). Load dispatches on the provider kind.
//
// Failure semantics
//
// A failed or empty remote load returns an error after emitting an undesired
// telemetry event; the caller keeps that provider's previous messages for the
// cycle. Only configuration mistakes (unknown kind, missing client) are
// reported as errors without telemetry.
package providers
