// Package core defines the domain model shared by every layer of the
// pipeline: modules, execution records, callers, the error taxonomy and the
// Runner contract.
//
// Types here have no dependencies on storage or transport. Service packages
// accept interfaces defined where they are consumed and return the concrete
// types declared in this package. Blocking operations take a
// context.Context as their first parameter.
package core
