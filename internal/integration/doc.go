// Package integration holds cross-package tests that drive the full
// import, decompose and execute pipeline against a real SQLite store.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
