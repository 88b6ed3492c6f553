// Package web exposes the sync engine to browser UIs.
//
// The REST API lives under /api/v1:
//
//	GET  /api/v1/health            liveness and version
//	GET  /api/v1/status            connection state, active topics
//	POST /api/v1/connect           {"address": "10.16.90.2"}
//	POST /api/v1/disconnect
//	GET  /api/v1/topics            every cached entry
//	GET  /api/v1/topics/{name...}  one cached entry
//	PUT  /api/v1/topics/{name...}  {"value": 1.5}
//
// GET /metrics serves Prometheus metrics.
//
// GET /ws upgrades to a WebSocket carrying JSON messages. Clients send
// subscribe, unsubscribe, write and ping; the server answers with response,
// error or pong echoing the request id, and pushes value_changed and
// connection_changed events. Each subscribed topic holds one engine
// binding, released when the client unsubscribes or disconnects.
package web
