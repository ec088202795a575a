// Package health holds the liveness and readiness probes shared by the admin
// listener and the public /api/health and /api/status routes.
//
// Readiness is [All] of the [ShutdownGate] and, with the Redis rate limit
// store, a [Ping] of Redis.
package health
