// Package storage is the SQLite persistence layer: the read-mostly catalog
// (accounts, contacts, scenarios, steps, transitions) and the tracking table
// the scheduler mutates.
//
// Every tracking write is a conditional UPDATE scoped by the status the
// caller expects. A write that affects zero rows means another worker already
// moved the record; callers treat that as "handled elsewhere", not an error.
package storage
