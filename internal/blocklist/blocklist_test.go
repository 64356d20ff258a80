package blocklist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisslabs/platform/internal/kv"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"+52 (55) 1234-5678", "+525512345678"},
		{"55 1234 5678", "5512345678"},
		{"  Ana.Lopez@Example.COM ", "ana.lopez@example.com"},
		{"+", ""},
		{"   ", ""},
		{"ext. 12", "12"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "input %q", tc.in)
	}
}

func TestCheckTiers(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	policy := []string{"+52 55 0000 0001"}
	env := []string{"spammer@example.com"}
	svc := New(store, nil, policy, env)

	// Live tier via Add.
	require.NoError(t, svc.Add(ctx, "+52-55-0000-0002", "abuse", 0))

	blocked, source, err := svc.Check(ctx, "+525500000002")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, SourceLive, source)

	blocked, source, err = svc.Check(ctx, "525500000001")
	require.NoError(t, err)
	assert.False(t, blocked, "policy entries match normalized form only")

	blocked, source, err = svc.Check(ctx, "+52 (55) 0000-0001")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, SourcePolicy, source)

	blocked, source, err = svc.Check(ctx, "SPAMMER@example.com")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, SourceEnv, source)

	blocked, source, err = svc.Check(ctx, "+52 55 9999 9999")
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Equal(t, SourceNone, source)
}

func TestRemoveOnlyAffectsLiveTier(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	svc := New(store, nil, []string{"+5215512345678"}, nil)
	require.NoError(t, svc.Add(ctx, "+5215512345678", "", 0))

	require.NoError(t, svc.Remove(ctx, "+5215512345678"))

	blocked, source, err := svc.Check(ctx, "+5215512345678")
	require.NoError(t, err)
	assert.True(t, blocked, "policy tier still blocks after live removal")
	assert.Equal(t, SourcePolicy, source)
}

func TestCheckDegradesWhenStoreDown(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()
	svc := New(&downStore{store}, nil, []string{"bad@example.com"}, nil)

	blocked, source, err := svc.Check(context.Background(), "bad@example.com")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, SourcePolicy, source)
}

func TestAddExpires(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	svc := New(store, nil, nil, nil)
	require.NoError(t, svc.Add(ctx, "temp@example.com", "cooldown", 30*time.Millisecond))

	blocked, _, err := svc.Check(ctx, "temp@example.com")
	require.NoError(t, err)
	assert.True(t, blocked)

	time.Sleep(60 * time.Millisecond)
	blocked, _, err = svc.Check(ctx, "temp@example.com")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestReloadPolicy(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	svc := New(store, nil, []string{"old@example.com"}, nil)
	svc.ReloadPolicy([]string{"new@example.com"})

	blocked, _, err := svc.Check(ctx, "old@example.com")
	require.NoError(t, err)
	assert.False(t, blocked)

	blocked, _, err = svc.Check(ctx, "new@example.com")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestSize(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	svc := New(store, nil, []string{"a@example.com", "b@example.com"}, []string{"c@example.com"})
	require.NoError(t, svc.Add(ctx, "+525511112222", "", 0))
	require.NoError(t, svc.Add(ctx, "+525533334444", "spam", 0))

	sizes := svc.Size(ctx)
	assert.Equal(t, 2, sizes["live"])
	assert.Equal(t, 2, sizes["policy"])
	assert.Equal(t, 1, sizes["env"])
}

// downStore simulates a KV outage for reads.
type downStore struct{ *kv.MemoryStore }

func (d *downStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, kv.ErrUnavailable
}

func (d *downStore) Available() bool { return false }
