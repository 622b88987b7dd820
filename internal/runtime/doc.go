/*
Package runtime assembles a chirpflow instance.

# Architecture Overview

Every instance owns its local client connections. Cross-instance state lives
in two places: the shared store (sequence counter, catch-up log, processed
token markers, presence hash) and the broadcast channel, a Watermill
publisher/subscriber pair that delivers every envelope to every instance.

# Package Structure

## Service (service.go)

NewService builds the components in dependency order:
  - Shared store: redis, postgres or memory, chosen by Conf.StoreBackend
  - Broadcast channel: built through the transport registry and decorated with
    Watermill's Prometheus metrics
  - Sequencer and event bus, plus the Notifier used by external collaborators
  - Deduplicator, presence coordinator and connection registry
  - Connection protocol and broadcast listener
  - HTTP server with /ws/connect, /events/subscribe, /events/sync and /health

Start runs the listener, the HTTP servers and, for stores without native
expiry, the marker sweeper in one errgroup. It returns when the context ends
or any of them fails.

## Stats (stats.go, resources.go)

/metrics serves the Prometheus registry. /stats serves a JSON snapshot of the
instance: delivery totals, local connections, open server-push streams and
coarse resource usage. Both live on Conf.MetricsPort, or on the main listener
when that port is zero.

# Sub-packages

  - auth: access token validation and minting
  - collab: collaborator contracts and the in-memory directory
  - config: environment configuration
  - dedup, presence, registry, sequencer, eventbus: the delivery core
  - errors: sentinel and typed errors
  - ids, jsoncodec, metadata: identifiers, JSON and message metadata
  - listener, protocol, server: connection handling
  - logging, metrics: observability
  - store: the shared store contract and its backends
*/
package runtime
