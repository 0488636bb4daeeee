package generic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfAndHTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   ErrorKind
		status int
		retry  bool
	}{
		{"validation", Invalid("amount", "must be positive"), KindValidation, http.StatusBadRequest, false},
		{"not found", &NotFoundError{Kind: "consumable", ID: "c1"}, KindNotFound, http.StatusNotFound, false},
		{"transition", &InvalidTransitionError{From: QuotationApproved, Action: "approve"}, KindInvalidTransition, http.StatusConflict, false},
		{"insufficient", &InsufficientResourceError{Resource: "stock", Available: Dec(0), Requested: Dec(1)}, KindInsufficientResource, http.StatusUnprocessableEntity, false},
		{"concurrency", ErrConcurrentModification, KindConcurrency, http.StatusConflict, true},
		{"storage", &StorageError{Op: "commit", Err: errors.New("disk full")}, KindStorage, http.StatusServiceUnavailable, true},
		{"deadline", context.DeadlineExceeded, KindStorage, http.StatusServiceUnavailable, true},
		{"wrapped", fmt.Errorf("post: %w", &NotFoundError{Kind: "receivable", ID: "r"}), KindNotFound, http.StatusNotFound, false},
		{"unknown", errors.New("boom"), KindUnknown, http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			assert.Equal(t, tt.retry, IsRetryable(tt.err))
		})
	}
}

func TestStorageError_MatchesCause(t *testing.T) {
	err := WrapStorage("begin", context.Canceled)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "begin")
}

func TestWrapStorage_KeepsTaxonomy(t *testing.T) {
	nf := &NotFoundError{Kind: "payment", ID: "p"}
	assert.Same(t, nf, WrapStorage("get", nf))
	assert.Nil(t, WrapStorage("get", nil))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "validation failed: amount: must be positive", Invalid("amount", "must be positive").Error())
	assert.Equal(t, "invalid transition: cannot approve from status rejected",
		(&InvalidTransitionError{From: QuotationRejected, Action: "approve"}).Error())
	assert.Equal(t, "insufficient stock: available 3, requested 5",
		(&InsufficientResourceError{Resource: "stock", Available: Dec(3), Requested: Dec(5)}).Error())
}

func TestIsClientError(t *testing.T) {
	assert.True(t, IsClientError(Invalid("x", "y")))
	assert.True(t, IsClientError(&InsufficientResourceError{}))
	assert.False(t, IsClientError(ErrConcurrentModification))
	assert.True(t, IsNotFound(&NotFoundError{}))
}
