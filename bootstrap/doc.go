// Package bootstrap assembles the service: configuration, logging, storage,
// the permission gate, the module registry, and the pipeline, in dependency
// order. cmd/ calls into this package; nothing here parses flags.
package bootstrap
