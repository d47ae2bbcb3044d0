// Package session keeps per-user conversation history in JSONL files.
//
// Invariants:
// - Session keys are validated and path-safe.
// - Writes for the same key are serialized; different keys write independently.
// - A corrupt line is skipped on load, never fatal.
// - History is capped at MaxHistory messages, trimmed by atomic rewrite.
//
// Usage:
//
//	mgr, _ := session.New(session.Config{Dir: dir, MaxHistory: 50, Logger: logger})
//	_ = mgr.Append(ctx, session.UserKey("u1"), session.Message{Role: session.RoleUser, Content: "hello"})
//	recent, _ := mgr.Recent(ctx, session.UserKey("u1"), 6)
package session
