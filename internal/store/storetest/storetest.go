// Package storetest is a conformance suite run against every RecordStore
// backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) pipeline.RecordStore

// Record returns a HIGH confidence record for url.
func Record(url string) pipeline.JobRecord {
	return pipeline.JobRecord{
		SourceURL:          url,
		Title:              "Backend Engineer",
		Company:            "Acme",
		Location:           "Remote",
		Seniority:          "mid",
		Skills:             []string{"Go", "PostgreSQL"},
		Salary:             &pipeline.SalaryRange{Min: 100000, Max: 120000, Currency: "USD", Period: "year"},
		SalaryText:         "$100k-$120k",
		DescriptionSummary: "Build APIs.",
		ExtractedAt:        time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC),
		Confidence:         pipeline.ConfidenceHigh,
	}
}

// Run exercises the RecordStore contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("create then update", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := Record("https://acme.example/jobs/1")

		first, err := s.Upsert(ctx, rec, false)
		require.NoError(t, err)
		require.Equal(t, pipeline.OutcomeCreated, first.Outcome)
		require.NotEmpty(t, first.Record.ID)

		second, err := s.Upsert(ctx, rec, false)
		require.NoError(t, err)
		require.Equal(t, pipeline.OutcomeUpdated, second.Outcome)
		require.Equal(t, first.Record.ID, second.Record.ID)

		got, err := s.Get(ctx, rec.SourceURL)
		require.NoError(t, err)
		require.Equal(t, first.Record.ID, got.ID)
		require.Equal(t, rec.Title, got.Title)
		require.Equal(t, rec.Skills, got.Skills)
		require.Equal(t, rec.Salary, got.Salary)
		require.True(t, rec.ExtractedAt.Equal(got.ExtractedAt))
	})

	t.Run("missing record", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "https://acme.example/none")
		require.ErrorIs(t, err, pipeline.ErrNotFound)
	})

	t.Run("merge protects high confidence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := Record("https://acme.example/jobs/2")
		_, err := s.Upsert(ctx, rec, false)
		require.NoError(t, err)

		lower := rec
		lower.Title = "Different Title"
		lower.Industry = "Fintech"
		lower.Confidence = pipeline.ConfidencePartial
		res, err := s.Upsert(ctx, lower, false)
		require.NoError(t, err)
		require.Equal(t, "Backend Engineer", res.Record.Title)
		require.Equal(t, "Fintech", res.Record.Industry)
		require.Equal(t, pipeline.ConfidenceHigh, res.Record.Confidence)

		forced, err := s.Upsert(ctx, lower, true)
		require.NoError(t, err)
		require.Equal(t, "Different Title", forced.Record.Title)

		got, err := s.Get(ctx, rec.SourceURL)
		require.NoError(t, err)
		require.Equal(t, "Different Title", got.Title)
		require.Equal(t, pipeline.ConfidencePartial, got.Confidence)
	})

	t.Run("concurrent upserts never duplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const writers = 8

		var wg sync.WaitGroup
		results := make(chan pipeline.UpsertResult, writers)
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := Record("https://acme.example/jobs/race")
				rec.Industry = fmt.Sprintf("industry-%d", i)
				res, err := s.Upsert(ctx, rec, false)
				if err != nil {
					errs <- err
					return
				}
				results <- res
			}(i)
		}
		wg.Wait()
		close(results)
		close(errs)
		// A backend may report a lost race as a conflict, never as a duplicate.
		for err := range errs {
			require.ErrorIs(t, err, pipeline.ErrStoreConflict)
		}

		created := 0
		ids := map[string]struct{}{}
		for res := range results {
			if res.Outcome == pipeline.OutcomeCreated {
				created++
			}
			ids[res.Record.ID] = struct{}{}
		}
		require.Equal(t, 1, created)
		require.Len(t, ids, 1)

		got, err := s.Get(ctx, "https://acme.example/jobs/race")
		require.NoError(t, err)
		require.Contains(t, ids, got.ID)
	})
}
