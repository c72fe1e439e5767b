// Package ledgerfeed and its sub-packages implement a real-time synchronization and fan-out layer between an XRP
// ledger style network and many client sessions.
/*
ledgerfeed keeps a single upstream websocket connection to a ledger node and shares it among every client connected
to the service:

1) a ledger connection manager (package lib/ledger) owns the upstream connection. It moves through the states
 DISCONNECTED, CONNECTING, CONNECTED, RECONNECTING and FAILED, reconnecting automatically with a bounded number of
 attempts, and turns the node's push messages into normalized events.

2) a subscription multiplexer (package explorer/multiplex) reference counts the interests of the clients so that the
 upstream node only ever sees one subscription per account or stream, and restores them all after a reconnection.

3) an explorer (package explorer) consumes the normalized events, keeps a cursor of the validated ledgers of each
 network, invalidates the cached reads the events make stale and publishes the events to the broadcast bus.

4) a gateway (package gateway) serves the client sessions over websockets and a RESTful admin API. Every event received
 from the bus is delivered to the sessions interested in it, through a bounded queue per session.

Architecture

Several ledgerfeed processes can run side by side. Each process publishes the events of its upstream connection to the
broadcast bus (package lib/msg) and every process delivers what it receives from the bus to its own sessions, dropping
duplicates by event id. The bus is product agnostic: an in-process bus, redis pub/sub or an AMQP fanout exchange are
selected via the JSON config file at service startup.

Account balances and the latest ledger are served through a cache (package lib/cache) with a TTL, and client requests
are throttled by a rate limiter (package lib/ratelimit). Both can live in memory or in redis and both fail open: an
unavailable backend never blocks the delivery of events.

The watched addresses and the ledger cursors are persisted in a database (package lib/store) which can be memory,
mongodb or postgresql.

The service can be monitored via a Prometheus API by setting the flag "-m" at startup (see package lib/metrics).

Running

The service is started running cmd/ledgerfeed, optionally with a config file:

	ledgerfeed serve -c cmd/conf.json -m

Clients connect to /ws and send JSON commands such as {"type":"subscribe_wallet","address":"r..."}. They receive a
connection frame first, then ledger_update and transaction_update frames for their interests.

*/
package ledgerfeed
