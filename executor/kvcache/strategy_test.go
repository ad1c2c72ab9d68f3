package kvcache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanUpForwardsRegisteredContexts(t *testing.T) {
	var released [][]int32
	s := New(true, ReleaserFunc(func(ctx context.Context, session string, contextID []int32) error {
		require.Equal(t, "s1", session)
		released = append(released, contextID)
		return nil
	}))
	require.True(t, s.UseKVCache())

	s.Register("s1", []int32{1, 2})
	s.Register("s1", []int32{1, 2})
	s.Register("s1", []int32{1, 2, 3})
	require.Equal(t, 2, s.Len())

	ctx := context.Background()
	require.NoError(t, s.CleanUpCacheForContext(ctx, "s1", []int32{1, 2}))
	require.NoError(t, s.CleanUpCacheForContext(ctx, "s1", []int32{1, 2}))
	require.NoError(t, s.CleanUpCacheForContext(ctx, "s1", []int32{9}))
	require.Equal(t, [][]int32{{1, 2}}, released)
	require.False(t, s.Registered("s1", []int32{1, 2}))
	require.True(t, s.Registered("s1", []int32{1, 2, 3}))
}

func TestCleanUpReleaseError(t *testing.T) {
	boom := errors.New("boom")
	s := New(true, ReleaserFunc(func(context.Context, string, []int32) error { return boom }))
	s.Register("s", []int32{4})
	err := s.CleanUpCacheForContext(context.Background(), "s", []int32{4})
	require.ErrorIs(t, err, boom)
}

func TestStateDictRoundTrip(t *testing.T) {
	s := New(true, nil)
	s.Register("a", []int32{1, 2})
	s.Register("a", []int32{-1, 300})
	s.Register("b", []int32{7})

	blob, err := s.StateDict()
	require.NoError(t, err)

	restored := New(true, nil)
	restored.Register("stale", []int32{0})
	require.NoError(t, restored.LoadStateDict(blob))
	require.Equal(t, 3, restored.Len())
	require.True(t, restored.Registered("a", []int32{-1, 300}))
	require.True(t, restored.Registered("b", []int32{7}))
	require.False(t, restored.Registered("stale", []int32{0}))

	require.Error(t, restored.LoadStateDict([]byte("{")))
}
