package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pq unique violation", &pq.Error{Code: "23505"}, true},
		{"wrapped pq unique violation", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{"pq other error", &pq.Error{Code: "23503"}, false},
		{"message fallback", errors.New("duplicate key value violates unique constraint"), true},
		{"unrelated", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	for _, code := range []pq.ErrorCode{"40001", "40P01", "55P03"} {
		if !IsRetryable(&pq.Error{Code: code}) {
			t.Errorf("Expected %s to be retryable", code)
		}
	}
	if IsRetryable(&pq.Error{Code: "23505"}) {
		t.Error("Expected unique violation not to be retryable")
	}
	if IsRetryable(errors.New("serialization failure")) {
		t.Error("Expected plain error not to be retryable")
	}
}

func TestDialect(t *testing.T) {
	d := Dialect{}

	if got := d.Rebind("SELECT a FROM t WHERE x = ? AND y = ?"); got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Errorf("Unexpected rebind: %s", got)
	}
	if got := d.OnConflictUpdate([]string{"k"}, []string{"a", "b"}); got != "ON CONFLICT (k) DO UPDATE SET a = excluded.a, b = excluded.b" {
		t.Errorf("Unexpected upsert clause: %s", got)
	}
	if !d.Returning() {
		t.Error("Expected RETURNING support")
	}
}
