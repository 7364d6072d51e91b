package learned

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uirunner/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLookupMissReturnsNil(t *testing.T) {
	s := openTestStore(t)
	la, err := s.Lookup(context.Background(), "https://example.com/login", "#submit")
	require.NoError(t, err)
	assert.Nil(t, la, "miss should return nil, not an empty record")
}

func TestRecordAndReliability(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	action := types.Action{Kind: types.ActionClick, Selector: "#submit"}
	url := "https://example.com/login"

	// 3 successes, 1 failure: 0.75 is exactly at the threshold.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(ctx, url, action, true))
	}
	require.NoError(t, s.Record(ctx, url, action, false))

	la, err := s.Lookup(ctx, url, "#submit")
	require.NoError(t, err)
	require.NotNil(t, la)
	assert.Equal(t, 3, la.Successes)
	assert.Equal(t, 1, la.Failures)
	assert.True(t, la.Reliable(), "reliability %.2f should clear the threshold", la.Reliability())
	assert.Equal(t, types.ActionClick, la.Action.Kind)
	assert.Equal(t, "#submit", la.Action.Selector)

	// Another failure drops it below the threshold.
	require.NoError(t, s.Record(ctx, url, action, false))
	la, err = s.Lookup(ctx, url, "#submit")
	require.NoError(t, err)
	assert.False(t, la.Reliable(), "reliability %.2f should be below the threshold", la.Reliability())
}

func TestComponentHashIgnoresQueryAndFragment(t *testing.T) {
	a := ComponentHash("https://example.com/login?utm=x#top", "#submit")
	b := ComponentHash("https://example.com/login", "#submit")
	assert.Equal(t, a, b, "hash should depend only on host, path, and selector")

	c := ComponentHash("https://example.com/signup", "#submit")
	assert.NotEqual(t, a, c, "different paths must hash differently")
}

func TestCookieFailureLogCapped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		err := s.LogCookieFailure(ctx, CookieFailure{
			Hostname:  "example.com",
			Region:    "EU",
			Platform:  "wordpress",
			Selectors: []string{fmt.Sprintf("#btn-%d", i), ".accept"},
		})
		require.NoError(t, err)
	}
	got, err := s.CookieFailures(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, got, 5, "log keeps only the newest rows per hostname")
	// Newest first: the last insert is #btn-7.
	assert.Equal(t, "#btn-7", got[0].Selectors[0])
	assert.Equal(t, "EU", got[0].Region)
	assert.Equal(t, "wordpress", got[0].Platform)
}
