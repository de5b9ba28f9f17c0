package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"wrapped fatal", fmt.Errorf("outer: %w", FatalErr("create store", errors.New("denied"))), Fatal},
		{"not found", NotFound("get document", errors.New("missing")), NotFoundUpstream},
		{"rate limited", &HTTPError{Service: "meilisearch", StatusCode: 429}, Transient},
		{"server error", fmt.Errorf("upsert: %w", &HTTPError{StatusCode: 503}), Transient},
		{"unauthorized", &HTTPError{StatusCode: 401}, Fatal},
		{"http 404", &HTTPError{StatusCode: 404}, NotFoundUpstream},
		{"deadline", context.DeadlineExceeded, Transient},
		{"plain", errors.New("something"), Transient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsFatal(FatalErr("op", nil)))
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("x")))
	assert.Equal(t, "op: fatal", FatalErr("op", nil).Error())
}
