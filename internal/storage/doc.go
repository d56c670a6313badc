// Package storage is the durable state behind the dispatch engine.
//
// Drivers:
//   - "sqlite": single database file (modernc.org/sqlite, no cgo)
//   - "redis": shared state for multiple instances (go-redis, Lua scripts)
//   - "memory": process-local, for tests and dry runs
//
// Per-subject state (cooldown, quota) and the sequence counter are only
// changed through atomic store operations so correctness holds across
// processes sharing one backend.
package storage
