package billing

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stripe/stripe-go/v79"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "resource missing code",
			err:  &stripe.Error{Code: stripe.ErrorCodeResourceMissing, Msg: "no such subscription"},
			want: ErrNotFound,
		},
		{
			name: "404 status",
			err:  &stripe.Error{HTTPStatusCode: http.StatusNotFound, Msg: "not found"},
			want: ErrNotFound,
		},
		{
			name: "401 status",
			err:  &stripe.Error{HTTPStatusCode: http.StatusUnauthorized, Msg: "invalid api key"},
			want: ErrAuthFailure,
		},
		{
			name: "429 status",
			err:  &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests, Msg: "rate limited"},
			want: ErrTransient,
		},
		{
			name: "500 status",
			err:  &stripe.Error{HTTPStatusCode: http.StatusInternalServerError, Msg: "server error"},
			want: ErrTransient,
		},
		{
			name: "plain network error",
			err:  errors.New("dial tcp: connection refused"),
			want: ErrTransient,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tc.err), tc.want)
		})
	}
}
