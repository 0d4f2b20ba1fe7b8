// Package audit appends one JSON line per command outcome to audit.jsonl:
// timestamp, user, radioId, action, parameters, outcome, the normalized
// error code on failure, and latency.
package audit
