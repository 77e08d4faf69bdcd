package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
	"github.com/JakeFAU/jobtrack/internal/store/storetest"
)

type fixedID string

func (f fixedID) NewID() (string, error) {
	return string(f), nil
}

const testURL = "https://acme.example/jobs/1"

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewWithPool(mock, "job_records", fixedID("rec-1"))
	require.NoError(t, err)
	return s, mock
}

func TestUpsertCreatesRecord(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	rec := storetest.Record(testURL)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(testURL).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT record FROM job_records").
		WithArgs(testURL).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO job_records").
		WithArgs(testURL, "rec-1", "HIGH", rec.ExtractedAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.Upsert(context.Background(), rec, false)
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeCreated, res.Outcome)
	require.Equal(t, "rec-1", res.Record.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMergesExisting(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	stored := storetest.Record(testURL)
	stored.ID = "rec-0"
	stored.Location = pipeline.Unknown
	stored.Confidence = pipeline.ConfidencePartial
	payload, err := json.Marshal(stored)
	require.NoError(t, err)

	incoming := storetest.Record(testURL)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(testURL).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT record FROM job_records").
		WithArgs(testURL).
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(payload))
	mock.ExpectExec("UPDATE job_records SET").
		WithArgs(testURL, "HIGH", incoming.ExtractedAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := s.Upsert(context.Background(), incoming, false)
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeUpdated, res.Outcome)
	require.Equal(t, "rec-0", res.Record.ID)
	require.Equal(t, "Remote", res.Record.Location)
	require.Equal(t, pipeline.ConfidenceHigh, res.Record.Confidence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertUnchangedSkipsWrite(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	stored := storetest.Record(testURL)
	stored.ID = "rec-0"
	payload, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(testURL).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT record FROM job_records").
		WithArgs(testURL).
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(payload))
	mock.ExpectCommit()

	res, err := s.Upsert(context.Background(), storetest.Record(testURL), false)
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeUpdated, res.Outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertClassifiesErrors(t *testing.T) {
	t.Parallel()

	t.Run("begin failure is unavailable", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		mock.ExpectBegin().WillReturnError(errors.New("dial tcp: connection refused"))

		_, err := s.Upsert(context.Background(), storetest.Record(testURL), false)
		require.ErrorIs(t, err, pipeline.ErrStoreUnavailable)
	})

	t.Run("unique violation is a conflict", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("SELECT pg_advisory_xact_lock").
			WithArgs(testURL).
			WillReturnResult(pgxmock.NewResult("SELECT", 1))
		mock.ExpectQuery("SELECT record FROM job_records").
			WithArgs(testURL).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectExec("INSERT INTO job_records").
			WithArgs(testURL, "rec-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
		mock.ExpectRollback()

		_, err := s.Upsert(context.Background(), storetest.Record(testURL), false)
		require.ErrorIs(t, err, pipeline.ErrStoreConflict)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGet(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	stored := storetest.Record(testURL)
	stored.ID = "rec-0"
	payload, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT record FROM job_records").
		WithArgs(testURL).
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(payload))
	mock.ExpectQuery("SELECT record FROM job_records").
		WithArgs("https://acme.example/none").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.Get(context.Background(), testURL)
	require.NoError(t, err)
	require.Equal(t, "rec-0", got.ID)

	_, err = s.Get(context.Background(), "https://acme.example/none")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(nil, "", fixedID("x"))
	require.Error(t, err)
	_, err = NewWithPool(mock, "drop table;", fixedID("x"))
	require.Error(t, err)
	_, err = NewWithPool(mock, "", nil)
	require.Error(t, err)
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS job_records").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
