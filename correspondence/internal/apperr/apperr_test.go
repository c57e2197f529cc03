package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedChain(t *testing.T) {
	base := NotFound("correspondence %s not found", "abc")
	wrapped := fmt.Errorf("publish: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsNotFound(wrapped))
	assert.True(t, errors.Is(wrapped, base))
	assert.Equal(t, "publish: correspondence abc not found", wrapped.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindTransient, nil, "ignored"))
	assert.NoError(t, Transient(nil, "ignored"))
}

func TestExternalWithoutCause(t *testing.T) {
	err := External(nil, "verification returned false")
	assert.Equal(t, KindExternal, KindOf(err))
	assert.Equal(t, "verification returned false", err.Error())
}

func TestErrorMessageWithCause(t *testing.T) {
	err := Rejected(errors.New("400 bad request"), "order rejected")
	assert.Equal(t, "order rejected: 400 bad request", err.Error())
	assert.True(t, IsPermanent(err))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		business  bool
		permanent bool
		status    int
	}{
		{"not found", NotFound("x"), true, true, http.StatusNotFound},
		{"invalid transition", InvalidTransition("x"), true, false, http.StatusConflict},
		{"invalid input", InvalidInput("x"), true, true, http.StatusBadRequest},
		{"transient", Transient(errors.New("x"), "db"), false, false, http.StatusServiceUnavailable},
		{"external", External(errors.New("x"), "dialog"), false, false, http.StatusBadGateway},
		{"rejected", Rejected(nil, "x"), false, true, http.StatusBadGateway},
		{"fatal", Fatal("x"), false, true, http.StatusInternalServerError},
		{"unknown", errors.New("x"), false, false, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.business, IsBusiness(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "invalid_transition", KindInvalidTransition.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
