package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExperimentHarness(t *testing.T) (*Experiments, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewExperiments(&Connection{DB: db})
	require.NoError(t, err)

	return store, mock
}

func TestNewExperimentsRequiresConnection(t *testing.T) {
	_, err := NewExperiments(nil)
	require.ErrorIs(t, err, ErrNoDatabaseConnection)
}

func TestExperimentCreateUpserts(t *testing.T) {
	store, mock := newExperimentHarness(t)

	mock.ExpectExec("INSERT INTO ab_experiments").
		WithArgs("btree_vs_hash", "btree", "hash", 0.5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Create(context.Background(), &ABExperiment{
		Name:         "btree_vs_hash",
		VariantA:     "btree",
		VariantB:     "hash",
		TrafficSplit: 0.5,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordResultRequiresExistingExperiment(t *testing.T) {
	store, mock := newExperimentHarness(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.RecordResult(context.Background(), &ABResult{
		Experiment: "ghost",
		Variant:    "A",
		DurationMs: 12.5,
	})
	require.ErrorIs(t, err, ErrExperimentNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordResultInserts(t *testing.T) {
	store, mock := newExperimentHarness(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("btree_vs_hash").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("INSERT INTO ab_results").
		WithArgs("btree_vs_hash", "B", 7.25).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.RecordResult(context.Background(), &ABResult{
		Experiment: "btree_vs_hash",
		Variant:    "B",
		DurationMs: 7.25,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVariantAverages(t *testing.T) {
	store, mock := newExperimentHarness(t)

	mock.ExpectQuery("SELECT variant, AVG").
		WithArgs("btree_vs_hash").
		WillReturnRows(sqlmock.NewRows([]string{"variant", "avg"}).
			AddRow("A", 10.0).
			AddRow("B", 6.5))

	averages, err := store.VariantAverages(context.Background(), "btree_vs_hash")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"A": 10.0, "B": 6.5}, averages)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVariantAveragesQueryError(t *testing.T) {
	store, mock := newExperimentHarness(t)

	mock.ExpectQuery("SELECT variant, AVG").
		WithArgs("btree_vs_hash").
		WillReturnError(assert.AnError)

	_, err := store.VariantAverages(context.Background(), "btree_vs_hash")
	require.ErrorIs(t, err, ErrExperimentStoreFailed)
}
