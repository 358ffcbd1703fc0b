package storage

import (
	"context"
	"database/sql/driver"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAdminKeyFormat(t *testing.T) {
	key, err := GenerateAdminKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, adminKeyPrefix))
	assert.Len(t, key, len(adminKeyPrefix)+randomBytesSize*2)

	// Two keys must never collide.
	other, err := GenerateAdminKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestHashAndCompareAdminKey(t *testing.T) {
	key, err := GenerateAdminKey()
	require.NoError(t, err)

	hash, err := HashAdminKey(key)
	require.NoError(t, err)

	assert.True(t, CompareAdminKeyHash(key, hash))
	assert.False(t, CompareAdminKeyHash(key+"x", hash))
	assert.False(t, CompareAdminKeyHash("", hash))
	assert.False(t, CompareAdminKeyHash(key, ""))
}

func TestHashAdminKeyLongKey(t *testing.T) {
	// Keys beyond bcrypt's 72-byte input limit are pre-hashed, so two long
	// keys differing only past the limit must not collide.
	long := strings.Repeat("a", 100)
	almost := strings.Repeat("a", 99) + "b"

	hash, err := HashAdminKey(long)
	require.NoError(t, err)

	assert.True(t, CompareAdminKeyHash(long, hash))
	assert.False(t, CompareAdminKeyHash(almost, hash))
}

func newAdminKeyHarness(t *testing.T) (*AdminKeyStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewAdminKeyStore(&Connection{DB: db})
	require.NoError(t, err)

	return store, mock
}

func TestValidateMatchesStoredHash(t *testing.T) {
	store, mock := newAdminKeyHarness(t)

	key, err := GenerateAdminKey()
	require.NoError(t, err)

	hash, err := HashAdminKey(key)
	require.NoError(t, err)

	otherHash, err := HashAdminKey("indexpilot_ak_other")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT key_hash FROM admin_keys").
		WillReturnRows(sqlmock.NewRows([]string{"key_hash"}).
			AddRow(otherHash).
			AddRow(hash))

	assert.True(t, store.Validate(context.Background(), key))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateRejectsUnknownKey(t *testing.T) {
	store, mock := newAdminKeyHarness(t)

	hash, err := HashAdminKey("indexpilot_ak_other")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT key_hash FROM admin_keys").
		WillReturnRows(sqlmock.NewRows([]string{"key_hash"}).AddRow(hash))

	assert.False(t, store.Validate(context.Background(), "indexpilot_ak_wrong"))
}

func TestValidateSwallowsStorageErrors(t *testing.T) {
	store, mock := newAdminKeyHarness(t)

	mock.ExpectQuery("SELECT key_hash FROM admin_keys").
		WillReturnError(assert.AnError)

	assert.False(t, store.Validate(context.Background(), "indexpilot_ak_any"))
}

func TestValidateEmptyKey(t *testing.T) {
	store, _ := newAdminKeyHarness(t)

	assert.False(t, store.Validate(context.Background(), ""))
}

func TestAddStoresHashNotPlaintext(t *testing.T) {
	store, mock := newAdminKeyHarness(t)

	expiry := time.Now().Add(24 * time.Hour)

	mock.ExpectExec("INSERT INTO admin_keys").
		WithArgs("ci-deploy", hashedKeyArg{key: "indexpilot_ak_plain"}, &expiry).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Add(context.Background(), "ci-deploy", "indexpilot_ak_plain", &expiry)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// hashedKeyArg matches any bcrypt hash of the expected key, and never the
// plaintext itself.
type hashedKeyArg struct {
	key string
}

func (a hashedKeyArg) Match(v driver.Value) bool {
	hash, ok := v.(string)
	if !ok || hash == a.key {
		return false
	}

	return CompareAdminKeyHash(a.key, hash)
}
