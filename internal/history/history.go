// Package history keeps a bounded in-memory view of recent conversation
// messages, hydrated from the CRM on cache miss. Handlers read it to give
// replies context without a CRM round trip per message.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kisslabs/platform/internal/crm"
)

// Role identifies who spoke.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Entry is one remembered message.
type Entry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Options tune the cache. Zero values take the noted defaults.
type Options struct {
	Capacity   int // conversations held; default 1024
	MaxEntries int // messages kept per conversation; default 30
	FetchLimit int // messages pulled from the CRM on miss; default 20
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 1024
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 30
	}
	if o.FetchLimit <= 0 {
		o.FetchLimit = 20
	}
	return o
}

type conversation struct {
	mu      sync.Mutex
	entries []Entry
}

// Cache is an LRU of conversation histories.
type Cache struct {
	lru  *lru.Cache[string, *conversation]
	crm  crm.Client
	opts Options
}

// New creates the cache. crmClient may be nil in contexts that never
// hydrate (Hydrate then degrades to cache-only).
func New(crmClient crm.Client, opts Options) (*Cache, error) {
	opts = opts.withDefaults()
	l, err := lru.New[string, *conversation](opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return &Cache{lru: l, crm: crmClient, opts: opts}, nil
}

// Get returns the cached history, oldest first, without hydrating.
func (c *Cache) Get(conversationID string) ([]Entry, bool) {
	conv, ok := c.lru.Get(conversationID)
	if !ok {
		return nil, false
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	out := make([]Entry, len(conv.entries))
	copy(out, conv.entries)
	return out, true
}

// Hydrate returns the history, fetching it from the CRM when the cache
// has no copy. A CRM failure on miss returns the error; the caller
// decides whether to continue with no context.
func (c *Cache) Hydrate(ctx context.Context, accountID, conversationID string) ([]Entry, error) {
	if entries, ok := c.Get(conversationID); ok {
		return entries, nil
	}
	if c.crm == nil {
		return nil, nil
	}

	msgs, err := c.crm.FetchMessages(ctx, accountID, conversationID, c.opts.FetchLimit)
	if err != nil {
		return nil, fmt.Errorf("history: hydrate %s: %w", conversationID, err)
	}

	conv := &conversation{}
	for _, m := range msgs {
		if m.Private {
			continue // internal agent notes stay out of bot context
		}
		conv.entries = append(conv.entries, Entry{
			Role:      roleFor(m.Type),
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}
	conv.trim(c.opts.MaxEntries)
	c.lru.Add(conversationID, conv)

	out := make([]Entry, len(conv.entries))
	copy(out, conv.entries)
	return out, nil
}

// AddUser appends a user message. Identical consecutive entries collapse:
// redelivered webhooks would otherwise double the message.
func (c *Cache) AddUser(conversationID, content string) {
	c.append(conversationID, RoleUser, content)
}

// AddAssistant appends a bot reply.
func (c *Cache) AddAssistant(conversationID, content string) {
	c.append(conversationID, RoleAssistant, content)
}

// AddSystem appends a system note (handoffs, flow events).
func (c *Cache) AddSystem(conversationID, content string) {
	c.append(conversationID, RoleSystem, content)
}

func (c *Cache) append(conversationID string, role Role, content string) {
	conv, ok := c.lru.Get(conversationID)
	if !ok {
		conv = &conversation{}
		c.lru.Add(conversationID, conv)
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	if n := len(conv.entries); n > 0 {
		last := conv.entries[n-1]
		if last.Role == role && last.Content == content {
			return
		}
	}
	conv.entries = append(conv.entries, Entry{Role: role, Content: content, Timestamp: time.Now().UTC()})
	conv.trim(c.opts.MaxEntries)
}

// trim drops oldest entries past max. Callers hold conv.mu (or own conv
// exclusively).
func (conv *conversation) trim(max int) {
	if len(conv.entries) > max {
		conv.entries = append(conv.entries[:0:0], conv.entries[len(conv.entries)-max:]...)
	}
}

// Clear forgets one conversation.
func (c *Cache) Clear(conversationID string) {
	c.lru.Remove(conversationID)
}

// Purge forgets everything. Admin cache-clear calls this.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len reports cached conversations, for stats.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func roleFor(t crm.MessageType) Role {
	switch t {
	case crm.MessageIncoming:
		return RoleUser
	case crm.MessageOutgoing:
		return RoleAssistant
	default:
		return RoleSystem
	}
}
