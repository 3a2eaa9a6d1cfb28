// Package types defines the entities shared across the catalog store, the
// scheduler, the container pool and the API surface.
package types
