// Package api serves the HTTP/JSON command endpoints and the SSE telemetry
// stream.
//
// Every JSON response uses the {result, data | code, message, details,
// correlationId} envelope. Normalized error codes map to HTTP statuses in
// StatusFor; BUSY responses carry Retry-After.
package api
