// Package cache downloads remote media into a local directory and remembers
// where each resource key was stored. Concurrent fetches of the same key are
// collapsed into a single download by a per-key lock table, and every lookup
// re-validates the stored file against the filesystem.
package cache
