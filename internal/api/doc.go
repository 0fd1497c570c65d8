// Package api hosts the HTTP handlers the gateway answers itself: the login
// exchange that trades the configured credentials for the shared bearer
// token, and the liveness probe.
//
// Handlers write JSON bodies and report failures as {"detail": "..."} so the
// browser client can surface gateway and upstream errors the same way.
// Rate limiting, logging, metrics, and security headers are applied by the
// middleware in internal/server; handlers here do not repeat them.
package api
