// Package settings provides typed, defaulting accessors over the settings
// table with a short-lived read-through cache for hot paths.
package settings
