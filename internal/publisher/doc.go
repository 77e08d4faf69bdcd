// Package publisher holds implementations of pipeline.Publisher that announce
// stored records to downstream consumers.
package publisher
