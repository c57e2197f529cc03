package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastExecutor(attempts int) *Executor {
	return NewExecutor(Config{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}, logging.Nop())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("append: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, true},
		{"check violation", &pgconn.PgError{Code: "23514"}, false},
		{"network timeout", timeoutErr{}, true},
		{"classified transient", apperr.Transient(errors.New("x"), "db"), true},
		{"invalid transition", apperr.InvalidTransition("nope"), false},
		{"not found", apperr.NotFound("gone"), false},
		{"external", apperr.External(errors.New("x"), "dialog"), false},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	calls := 0
	err := fastExecutor(3).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteStopsOnPermanentFailure(t *testing.T) {
	calls := 0
	err := fastExecutor(5).Execute(context.Background(), func(context.Context) error {
		calls++
		return apperr.InvalidTransition("already purged")
	})

	assert.True(t, apperr.IsInvalidTransition(err))
	assert.Equal(t, 1, calls)
}

func TestExecuteGivesUpAfterBudget(t *testing.T) {
	calls := 0
	err := fastExecutor(3).Execute(context.Background(), func(context.Context) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)
}

func TestExecuteHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := NewExecutor(Config{MaxAttempts: 10, InitialInterval: 50 * time.Millisecond, MaxInterval: 50 * time.Millisecond}, logging.Nop())

	calls := 0
	err := exec.Execute(ctx, func(context.Context) error {
		calls++
		cancel()
		return &pgconn.PgError{Code: "40001"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNewExecutorNormalizesConfig(t *testing.T) {
	exec := NewExecutor(Config{}, logging.Nop())
	assert.Equal(t, 1, exec.cfg.MaxAttempts)
	assert.Equal(t, DefaultConfig().InitialInterval, exec.cfg.InitialInterval)
}
