package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisslabs/platform/internal/crm"
)

func TestAddAndGet(t *testing.T) {
	c, err := New(nil, Options{})
	require.NoError(t, err)

	c.AddUser("conv-1", "quiero hacer un pedido")
	c.AddAssistant("conv-1", "claro, ¿qué te gustaría?")

	entries, ok := c.Get("conv-1")
	require.True(t, ok)
	require.Len(t, entries, 2)
	assert.Equal(t, RoleUser, entries[0].Role)
	assert.Equal(t, RoleAssistant, entries[1].Role)
}

func TestConsecutiveDuplicatesCollapse(t *testing.T) {
	c, err := New(nil, Options{})
	require.NoError(t, err)

	c.AddUser("conv-1", "hola")
	c.AddUser("conv-1", "hola") // redelivered webhook
	c.AddUser("conv-1", "hola?")
	c.AddAssistant("conv-1", "hola")

	entries, _ := c.Get("conv-1")
	require.Len(t, entries, 3)
	assert.Equal(t, "hola", entries[0].Content)
	assert.Equal(t, "hola?", entries[1].Content)
	assert.Equal(t, RoleAssistant, entries[2].Role,
		"same content from a different role is not a duplicate")
}

func TestPerConversationBound(t *testing.T) {
	c, err := New(nil, Options{MaxEntries: 3})
	require.NoError(t, err)

	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		c.AddUser("conv-1", msg)
	}

	entries, _ := c.Get("conv-1")
	require.Len(t, entries, 3)
	assert.Equal(t, "c", entries[0].Content, "oldest entries fall off")
	assert.Equal(t, "e", entries[2].Content)
}

func TestLRUEvictsOldConversations(t *testing.T) {
	c, err := New(nil, Options{Capacity: 2})
	require.NoError(t, err)

	c.AddUser("conv-1", "x")
	c.AddUser("conv-2", "y")
	c.AddUser("conv-3", "z")

	_, ok := c.Get("conv-1")
	assert.False(t, ok, "capacity 2 must evict the least recent conversation")
	_, ok = c.Get("conv-3")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestHydrateFromCRM(t *testing.T) {
	fake := &fetchClient{msgs: []crm.Message{
		{Content: "hola", Type: crm.MessageIncoming, CreatedAt: time.Unix(100, 0)},
		{Content: "nota interna", Type: crm.MessageOutgoing, Private: true, CreatedAt: time.Unix(150, 0)},
		{Content: "buenas!", Type: crm.MessageOutgoing, CreatedAt: time.Unix(200, 0)},
		{Content: "agent assigned", Type: crm.MessageActivity, CreatedAt: time.Unix(300, 0)},
	}}
	c, err := New(fake, Options{})
	require.NoError(t, err)

	entries, err := c.Hydrate(context.Background(), "acc", "conv-9")
	require.NoError(t, err)
	require.Len(t, entries, 3, "private notes are excluded")
	assert.Equal(t, RoleUser, entries[0].Role)
	assert.Equal(t, RoleAssistant, entries[1].Role)
	assert.Equal(t, RoleSystem, entries[2].Role)
	assert.Equal(t, 1, fake.calls)

	// Second hydrate is served from cache.
	_, err = c.Hydrate(context.Background(), "acc", "conv-9")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.calls)
}

func TestHydrateSurfacesCRMError(t *testing.T) {
	fake := &fetchClient{err: errors.New("crm down")}
	c, err := New(fake, Options{})
	require.NoError(t, err)

	_, err = c.Hydrate(context.Background(), "acc", "conv-9")
	require.Error(t, err)

	// The failed hydrate must not poison the cache with an empty entry.
	_, ok := c.Get("conv-9")
	assert.False(t, ok)
}

func TestClearAndPurge(t *testing.T) {
	c, err := New(nil, Options{})
	require.NoError(t, err)

	c.AddUser("conv-1", "x")
	c.AddUser("conv-2", "y")

	c.Clear("conv-1")
	_, ok := c.Get("conv-1")
	assert.False(t, ok)

	c.Purge()
	assert.Zero(t, c.Len())
}

type fetchClient struct {
	msgs  []crm.Message
	err   error
	calls int
}

func (f *fetchClient) FetchMessages(ctx context.Context, a, c string, limit int) ([]crm.Message, error) {
	f.calls++
	return f.msgs, f.err
}

func (f *fetchClient) SendMessage(ctx context.Context, a, c, text string, private bool) (*crm.Message, error) {
	return nil, nil
}
func (f *fetchClient) TouchConversation(ctx context.Context, a, c string) error { return nil }
func (f *fetchClient) GetConversation(ctx context.Context, a, c string) (*crm.Conversation, error) {
	return &crm.Conversation{}, nil
}
