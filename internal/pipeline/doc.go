// Package pipeline defines the types shared by the ingestion stages and the
// orchestrator that drives a posting URL from fetch to a stored JobRecord.
package pipeline
