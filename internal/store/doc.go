// Package store holds what every RecordStore backend shares: the merge rule
// applied on resubmission, per-key serialization and the retrying decorator.
// Backends live in subpackages and must not import each other.
package store
