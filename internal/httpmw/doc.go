// Package httpmw provides HTTP middleware for the public edge listener.
//
// Two composition styles live here. Chain stacks ordinary
// func(http.Handler) http.Handler middleware (security headers, request id,
// access logging). Compose runs request guards in a fixed order over a shared
// Response, stopping at the first guard that answers with anything other than
// 200; the rate limiter and CSRF guard are written as guards so the edge
// router can accumulate their headers and cookies before deciding where the
// request goes.
//
// User-supplied data (query params, user-agent, cookies) is kept out of logs.
package httpmw
