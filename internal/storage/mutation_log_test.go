package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot-io/indexpilot/internal/switches"
)

type fakeAuditGate struct {
	disabled map[switches.Feature]bool
}

func (f *fakeAuditGate) Check(feature switches.Feature) error {
	if f.disabled[feature] {
		return switches.Disabled(feature, "feature_flag")
	}

	return nil
}

func newMutationLogHarness(t *testing.T, gate AuditGate) (*MutationLog, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, err := NewMutationLog(&Connection{DB: db}, gate)
	require.NoError(t, err)

	return log, mock
}

func TestAppendAssignsIdentityAndWrites(t *testing.T) {
	log, mock := newMutationLogHarness(t, nil)

	mock.ExpectExec("INSERT INTO mutation_log").
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &MutationLogEntry{
		Kind:  KindCreateIndex,
		Table: "orders",
		Field: "customer_email",
	}

	require.NoError(t, log.Append(context.Background(), entry))

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.Equal(t, SeverityInfo, entry.Severity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendSkippedWhenMutationLoggingDisabled(t *testing.T) {
	gate := &fakeAuditGate{disabled: map[switches.Feature]bool{
		switches.MutationLogging: true,
	}}
	log, mock := newMutationLogHarness(t, gate)

	// No exec expectation: a disabled switch must not touch the database.
	err := log.Append(context.Background(), &MutationLogEntry{
		Kind:  KindCreateIndex,
		Table: "orders",
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTxSkippedWhenMutationLoggingDisabled(t *testing.T) {
	gate := &fakeAuditGate{disabled: map[switches.Feature]bool{
		switches.MutationLogging: true,
	}}
	log, mock := newMutationLogHarness(t, gate)

	mock.ExpectBegin()
	mock.ExpectCommit()

	tx, err := log.conn.BeginTx(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, log.AppendTx(context.Background(), tx, &MutationLogEntry{
		Kind: KindEnableField,
	}))

	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendWritesWhenSwitchEnabled(t *testing.T) {
	gate := &fakeAuditGate{disabled: map[switches.Feature]bool{}}
	log, mock := newMutationLogHarness(t, gate)

	mock.ExpectExec("INSERT INTO mutation_log").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, log.Append(context.Background(), &MutationLogEntry{
		Kind: KindQueryBlocked,
	}))

	assert.NoError(t, mock.ExpectationsWereMet())
}
