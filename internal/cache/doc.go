// Package cache defines the durable storage primitive behind cache
// generations. Every entry is addressed by (generation, key) so that two
// generations never share bytes, and a whole generation can be dropped in one
// call. Three backends are provided: a file tree (temp file + rename), SQLite,
// and an in-memory map for tests and ephemeral runs. Lifecycle rules (which
// generation may be written) live in the generation package, not here.
package cache
