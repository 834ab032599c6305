// Package types defines the shared data model of stepflow: workflow and step
// records, their status state machines, the unified error taxonomy, and
// request-scoped context helpers.
//
// It is the lowest-level package with no internal dependencies; every other
// package imports it, so nothing here may import from elsewhere in the module.
package types
