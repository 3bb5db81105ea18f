// Package router owns the message-delivery state machine: which providers
// are live, which messages they contributed, and whether a given message may
// be shown right now.
//
// Contract:
//   - All state mutation funnels through SetState; GetState returns deep
//     copies. Whitelisted fields persist on change, best-effort.
//   - Init is one-shot. A second Init returns (nil, nil) and changes
//     nothing. Uninit persists the session end and is idempotent.
//   - Eligibility is evaluated in a fixed order: block lists, group
//     enablement, profile scope, then frequency caps. Reach records never
//     surface as candidates; they only drive reach telemetry.
//   - Provider loads are concurrent but commit in one state transition, in
//     configured provider order, so message ordering is deterministic.
package router
