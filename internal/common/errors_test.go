package common

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{InvalidArgument("bad"), http.StatusBadRequest},
		{FailedPrecondition("not failed"), http.StatusBadRequest},
		{NotFound("missing"), http.StatusNotFound},
		{PermissionDenied("nope"), http.StatusForbidden},
		{Unauthenticated("who"), http.StatusUnauthorized},
		{ResourceExhausted("slow down"), http.StatusTooManyRequests},
		{PayloadTooLarge("big"), http.StatusRequestEntityTooLarge},
		{Internal("db", errors.New("conn reset")), http.StatusInternalServerError},
		{fmt.Errorf("get job: %w", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", PermissionDenied("nope")), http.StatusForbidden},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestPublicMessageHidesInternalCauses(t *testing.T) {
	assert.Equal(t, "job not found", PublicMessage(NotFound("job not found")))
	assert.Equal(t, "internal error", PublicMessage(Internal("insert job", errors.New("pq: password authentication failed"))))
	assert.Equal(t, "internal error", PublicMessage(errors.New("raw")))
}

func TestAppErrorUnwrapAndStatus(t *testing.T) {
	err := NotFound("job not found")
	assert.ErrorIs(t, err, ErrNotFound)

	st, ok := status.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Equal(t, "job not found", st.Message())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Len(t, Truncate(string(make([]byte, 4000)), MaxErrorLength), MaxErrorLength)
}
