// Package dalbridge is a data-access bridge over a realtime tree store.
//
// The bridge turns one shared, eventually consistent tree store connection into
// three services:
//
//   - a request/response bus for queries executed by an out-of-process search
//     executor ([broker.Broker]),
//   - live subscriptions to individual nodes such as baskets and orders
//     ([registry.Registry]),
//   - a fire-and-forget relay for user-journey telemetry ([telemetry.Relay]).
//
// # Connecting
//
// [Open] picks the tree store backend from the URL scheme:
//
//   - mem:// keeps the tree in process,
//   - ws:// and wss:// talk to a tree store server over websockets,
//   - redis:// and rediss:// share the tree through Redis.
//
// [New] wires the same services around a [treestore.Client] you already hold.
//
// # Streams
//
// Every watch surfaces as a [stream.Stream]. A stream delivers the node's
// current value when it has one, then every change, until it is cancelled or
// the store connection is lost. One-shot exchanges such as [Bridge.Search]
// cancel their stream after the first present value.
//
// # Retention
//
// Neither side of the search bus deletes its records. Set a retention TTL to
// have the bridge prune them; see [retention.Pruner].
package dalbridge
