// Package csrf implements the double-submit-free CSRF defence used by the
// logbook: a random token in a SameSite=Strict, HTTP-only cookie that must be
// present and unexpired on every state-changing request.
//
// The cookie value is the URL-encoded JSON document
//
//	{"token":"<64 hex chars>","expiresAt":<unix milliseconds>}
//
// SameSite=Strict is what stops cross-site submissions; the token itself only
// proves that the browser loaded a page from this origin recently. Deployments
// that want the stronger check can require the token to be echoed in the
// X-CSRF-Token header as well.
package csrf
