// Package archive holds blob stores that keep the raw page behind each record.
// Archiving is best effort: the pipeline logs archive failures and carries on.
package archive
