package interceptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeQueryCanonicalizesText(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "lowercases and collapses whitespace",
			query: "SELECT  *\n\tFROM   Orders",
			want:  "select * from orders",
		},
		{
			name:  "replaces string literal",
			query: "SELECT * FROM orders WHERE status = 'open'",
			want:  "select * from orders where status = ?",
		},
		{
			name:  "replaces escaped quote inside literal",
			query: "SELECT * FROM t WHERE s = 'it''s'",
			want:  "select * from t where s = ?",
		},
		{
			name:  "replaces positional placeholder",
			query: "SELECT * FROM orders WHERE id = $12",
			want:  "select * from orders where id = ?",
		},
		{
			name:  "replaces named placeholder",
			query: "SELECT * FROM orders WHERE id = :order_id",
			want:  "select * from orders where id = ?",
		},
		{
			name:  "replaces bare numeric literal",
			query: "SELECT * FROM orders LIMIT 100",
			want:  "select * from orders limit ?",
		},
		{
			name:  "strips line comment",
			query: "SELECT * FROM orders -- all of them\nWHERE x = 1",
			want:  "select * from orders where x = ?",
		},
		{
			name:  "strips block comment",
			query: "SELECT /* hint */ * FROM orders",
			want:  "select * from orders",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeQuery(tt.query, nil))
		})
	}
}

func TestNormalizeQueryParamHash(t *testing.T) {
	query := "SELECT * FROM orders WHERE id = $1"

	withA := NormalizeQuery(query, []any{"a"})
	withB := NormalizeQuery(query, []any{"b"})
	again := NormalizeQuery(query, []any{"a"})

	assert.NotEqual(t, withA, withB, "different param values must hash apart")
	assert.Equal(t, withA, again, "same params must be stable")
	assert.NotEqual(t, withA, NormalizeQuery(query, nil))

	// Concatenation ambiguity must not collide.
	assert.NotEqual(t,
		NormalizeQuery(query, []any{"ab", ""}),
		NormalizeQuery(query, []any{"a", "b"}))
}

func TestExtractTables(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "single from",
			query: "SELECT * FROM orders WHERE id = 1",
			want:  []string{"orders"},
		},
		{
			name:  "join",
			query: "SELECT * FROM orders o JOIN items i ON i.order_id = o.id",
			want:  []string{"orders", "items"},
		},
		{
			name:  "update target",
			query: "UPDATE orders SET status = 'done' WHERE id = 1",
			want:  []string{"orders"},
		},
		{
			name:  "insert into",
			query: "INSERT INTO audit_rows (a) VALUES (1)",
			want:  []string{"audit_rows"},
		},
		{
			name:  "subquery skipped",
			query: "SELECT * FROM (SELECT 1) sub",
			want:  nil,
		},
		{
			name:  "duplicate deduped",
			query: "SELECT * FROM orders UNION SELECT * FROM orders",
			want:  []string{"orders"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTables(tt.query))
		})
	}
}

func TestIsTrivialQuery(t *testing.T) {
	assert.True(t, IsTrivialQuery("SELECT id FROM users WHERE id = $1 LIMIT 1"))
	assert.False(t, IsTrivialQuery("SELECT id FROM users WHERE id = $1"), "no limit")
	assert.False(t, IsTrivialQuery("SELECT * FROM a JOIN b ON b.x = a.x LIMIT 5"), "join")
	assert.False(t, IsTrivialQuery("DELETE FROM users LIMIT 1"), "not a select")
}
