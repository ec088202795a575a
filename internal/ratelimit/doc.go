// Package ratelimit is a fixed-window request limiter keyed by client and
// path.
//
// Every (client, path) pair gets its own counter that resets once the window
// has elapsed. Counters live in a Store: MemoryStore keeps them in process
// and is enough for a single instance; RedisStore shares them between
// instances.
//
// What this does protect against:
//   - a single client hammering one endpoint (login, logbook submission)
//   - gives per-client budget headers so well-behaved clients can back off
//
// What this does NOT protect against:
//   - clients rotating addresses, or spoofing X-Forwarded-For when no trusted
//     proxy rewrites it in front of the service
//   - bursts at window boundaries (up to twice the limit across two windows)
package ratelimit
