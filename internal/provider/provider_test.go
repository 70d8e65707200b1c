package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubAdapter struct{ kind string }

func (s stubAdapter) Kind() string { return s.kind }

func (s stubAdapter) Execute(context.Context, *Request, Callbacks) ([]Output, error) {
	return nil, nil
}

func TestOptionsCalls(t *testing.T) {
	cases := []struct {
		opts Options
		want int
	}{
		{Options{NumImages: 0, MaxImages: 1}, 0},
		{Options{NumImages: 1, MaxImages: 1}, 1},
		{Options{NumImages: 2, MaxImages: 1}, 2},
		{Options{NumImages: 5, MaxImages: 2}, 3},
		{Options{NumImages: 4, MaxImages: 0}, 1},
		{Options{NumImages: 3, MaxImages: 8}, 1},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.opts.Calls(), "%+v", tc.opts)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubAdapter{kind: "b"}, stubAdapter{kind: "a"})

	a, ok := r.Get("a")
	require.True(t, ok)
	require.Equal(t, "a", a.Kind())

	_, ok = r.Get("missing")
	require.False(t, ok)

	require.Equal(t, []string{"a", "b"}, r.Kinds())
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Provider: "acme", Code: "rate_limited", StatusCode: 429, Err: errors.New("slow down")}
	require.Equal(t, "acme: rate_limited (http 429): slow down", err.Error())
	require.True(t, err.Transient())

	var target *Error
	require.True(t, errors.As(error(err), &target))

	bad := &Error{Provider: "acme", StatusCode: 400, Err: errors.New("bad prompt")}
	require.False(t, bad.Transient())
}

func TestContextError(t *testing.T) {
	require.NoError(t, ContextError(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, ContextError(ctx), ErrCancelled)

	ctx, cancel = context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	require.ErrorIs(t, ContextError(ctx), context.DeadlineExceeded)
}
