// Package workspace manages the disposable per-attempt directories that compile
// attempts run in.
//
// Every workspace lives directly under a shared root and is named "ws-<ULID>" with a
// cryptographically random component, so names are collision-free and not guessable.
// A workspace is owned by exactly one attempt; Release removes it recursively.
// Sweep removes directories left behind by processes that died before releasing.
package workspace
