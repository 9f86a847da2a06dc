// Package api provides the JSON REST API and streaming chat endpoint.
//
// # Architecture
//
// Routes use Go 1.22+ method patterns on http.ServeMux behind a layered
// middleware stack:
//
//	Recovery → RequestID → Logging → CORS → RateLimit → Principal → CSRF → Routes
//
// Health probes (/health, /ready) bypass the stack via a top-level mux
// so they stay fast and unauthenticated.
//
// # Endpoints
//
// Auth bootstrap:
//   - POST /api/v1/auth/session   issue a signed uid cookie plus a CSRF token
//   - GET  /api/v1/auth/csrf      fresh CSRF token for the current principal
//
// Threads (ownership-enforced):
//   - POST   /api/v1/threads                 create thread
//   - GET    /api/v1/threads                 list caller's threads
//   - GET    /api/v1/threads/{id}            fetch one thread
//   - DELETE /api/v1/threads/{id}            delete thread and its messages
//   - GET    /api/v1/threads/{id}/messages   paginated message log
//
// Chat:
//   - POST /api/v1/chat   streaming generation over SSE
//
// # Identity and CSRF
//
// There is no account system. POST /api/v1/auth/session mints a random
// principal id and sets it as an HMAC-signed uid cookie
// ("id:signature"); every other route requires that cookie and answers
// 401 without it. Tampering invalidates the signature, so a principal
// cannot be forged, only minted.
//
// Unsafe methods additionally require an X-CSRF-Token header. Tokens are
// "timestamp:signature" HMACs bound to the principal, verified in
// constant time before any timestamp check, and expire after one hour.
// The bootstrap route itself is exempt, which is what makes the first
// contact possible.
//
// # Responses
//
// All JSON responses use an envelope:
//
//	Success: {"data": <payload>}
//	Error:   {"error": {"code": "...", "message": "..."}}
//
// The chat endpoint is the exception: once generation is admitted it
// switches to text/event-stream and any later fault travels in-band as
// an error frame. Faults detected before streaming (missing principal,
// validation, unknown thread, busy thread) are plain HTTP statuses.
package api
