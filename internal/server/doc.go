// Package server hosts the MicroTaskHub gateway from a single HTTP server.
//
// Every request passes through request IDs, access logging, metrics, panic
// recovery, and CORS. Gateway-generated responses (health, metrics, login,
// and the browser bundle) also carry hardening headers; the login route is
// optionally throttled per client IP.
//
// /users and /tasks are handed to internal/proxy and relayed unchanged.
// Any other path serves the embedded browser bundle, falling back to
// index.html.
package server
