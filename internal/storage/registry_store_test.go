package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistryHarness(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	registry, err := NewRegistry(&Connection{DB: db})
	require.NoError(t, err)

	return registry, mock
}

func TestGetField(t *testing.T) {
	registry, mock := newRegistryHarness(t)

	mock.ExpectQuery("FROM genome_fields").
		WithArgs("orders", "customer_email").
		WillReturnRows(sqlmock.NewRows([]string{
			"table_name", "field_name", "field_type", "required", "indexable",
			"default_enabled", "feature_group",
		}).AddRow("orders", "customer_email", "text", true, true, false, "contact"))

	gf, err := registry.GetField(context.Background(), "orders", "customer_email")
	require.NoError(t, err)

	assert.Equal(t, "orders", gf.Table)
	assert.Equal(t, "customer_email", gf.Field)
	assert.True(t, gf.Indexable)
	assert.False(t, gf.DefaultEnabled)
	assert.Equal(t, "contact", gf.FeatureGroup)
}

func TestGetFieldNotRegistered(t *testing.T) {
	registry, mock := newRegistryHarness(t)

	mock.ExpectQuery("FROM genome_fields").
		WithArgs("orders", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{
			"table_name", "field_name", "field_type", "required", "indexable",
			"default_enabled", "feature_group",
		}))

	_, err := registry.GetField(context.Background(), "orders", "ghost")
	require.ErrorIs(t, err, ErrFieldNotRegistered)
}

func TestFieldEnabledPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    bool
		wantErr error
	}{
		{name: "profile or default true", value: true, want: true},
		{name: "profile or default false", value: false, want: false},
		{name: "unregistered field", value: nil, wantErr: ErrFieldNotRegistered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, mock := newRegistryHarness(t)

			mock.ExpectQuery("SELECT COALESCE").
				WithArgs("acme", "orders", "customer_email").
				WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(tt.value))

			enabled, err := registry.FieldEnabled(
				context.Background(), "acme", "orders", "customer_email")

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, enabled)
		})
	}
}

func TestSetFieldEnabled(t *testing.T) {
	registry, mock := newRegistryHarness(t)

	mock.ExpectExec("INSERT INTO expression_profiles").
		WithArgs("acme", "orders", "customer_email", true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := registry.SetFieldEnabled(context.Background(), "acme", "orders", "customer_email", true)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInitializeTenantSeedsFromGenomeDefaults(t *testing.T) {
	registry, mock := newRegistryHarness(t)

	mock.ExpectExec("INSERT INTO expression_profiles").
		WithArgs("acme").
		WillReturnResult(sqlmock.NewResult(0, 14))

	seeded, err := registry.InitializeTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(14), seeded)
}

func TestTenantCount(t *testing.T) {
	registry, mock := newRegistryHarness(t)

	mock.ExpectQuery("COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := registry.TenantCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
