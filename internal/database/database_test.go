package database

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/pesio-ai/be-ops-approvals/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperrors.ErrCode
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, apperrors.ErrCodeConflict},
		{"deadlock", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40P01"}), apperrors.ErrCodeConflict},
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "uq_entry"}, apperrors.ErrCodeConflict},
		{"other pg", &pgconn.PgError{Code: "42P01"}, apperrors.ErrCodeInternal},
		{"app error", apperrors.NotFound("work_request", "x"), apperrors.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.CodeOf(classify(tt.err)))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsUniqueViolation(fmt.Errorf("plain")))
}
