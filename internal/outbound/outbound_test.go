package outbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisslabs/platform/internal/kv"
	"github.com/kisslabs/platform/internal/queue"
	"github.com/kisslabs/platform/internal/ratelimit"
)

type recordingChannel struct {
	name      string
	delivered []Message
	fail      error
}

func (r *recordingChannel) Name() string { return r.name }

func (r *recordingChannel) Deliver(ctx context.Context, msg Message) error {
	if r.fail != nil {
		return r.fail
	}
	r.delivered = append(r.delivered, msg)
	return nil
}

type staticOptOuts struct {
	out bool
	err error
}

func (s staticOptOuts) IsOptedOut(ctx context.Context, contact, category string) (bool, error) {
	return s.out, s.err
}

func newTestGateway(t *testing.T, optOuts OptOuts, opts Options) (*Gateway, *recordingChannel, *queue.Queue) {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	limiter := ratelimit.New(store, nil)
	t.Cleanup(limiter.Close)
	delayed := queue.New("outbound", store, nil, queue.Options{})

	gw := New(store, limiter, delayed, optOuts, nil, opts)
	ch := &recordingChannel{name: "crm"}
	gw.Register(ch)
	return gw, ch, delayed
}

func TestSendDelivers(t *testing.T) {
	gw, ch, _ := newTestGateway(t, nil, Options{})

	res, err := gw.Send(context.Background(), Message{
		Recipient: "+525512345678",
		Channel:   "crm",
		Category:  CategoryReply,
		Body:      "tu pedido va en camino",
	})
	require.NoError(t, err)
	assert.True(t, res.Sent)
	require.Len(t, ch.delivered, 1)
	assert.Equal(t, "tu pedido va en camino", ch.delivered[0].Body)
}

func TestSendUnknownChannel(t *testing.T) {
	gw, _, _ := newTestGateway(t, nil, Options{})

	_, err := gw.Send(context.Background(), Message{Recipient: "x", Channel: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown channel")
}

func TestSendOptOutDrops(t *testing.T) {
	gw, ch, _ := newTestGateway(t, staticOptOuts{out: true}, Options{})

	res, err := gw.Send(context.Background(), Message{
		Recipient: "+525512345678",
		Channel:   "crm",
		Category:  CategoryMarketing,
		Body:      "promo del día",
	})
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Equal(t, "opted_out", res.Reason)
	assert.Empty(t, ch.delivered)
}

func TestSendOptOutRegistryErrorFailsOpen(t *testing.T) {
	gw, ch, _ := newTestGateway(t, staticOptOuts{err: errors.New("store down")}, Options{})

	res, err := gw.Send(context.Background(), Message{
		Recipient: "+525512345678",
		Channel:   "crm",
		Category:  CategoryReply,
		Body:      "hola",
	})
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Len(t, ch.delivered, 1)
}

// quietNow returns options whose quiet window is guaranteed to contain
// the current instant.
func quietNow() Options {
	h := time.Now().UTC().Hour()
	return Options{
		QuietStart:      h,
		QuietEnd:        (h + 2) % 24,
		DefaultTimezone: time.UTC,
	}
}

func TestSendQuietHoursReschedules(t *testing.T) {
	gw, ch, delayed := newTestGateway(t, nil, quietNow())

	res, err := gw.Send(context.Background(), Message{
		Recipient: "+525512345678",
		Channel:   "crm",
		Category:  CategoryNotification,
		Body:      "tu pago fue confirmado",
	})
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Equal(t, "quiet_hours", res.Reason)
	assert.Empty(t, ch.delivered, "nothing goes out during the window")

	stats, err := delayed.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Delayed, "the send waits at the end of the window")
}

func TestSendQuietHoursExemptsReplies(t *testing.T) {
	gw, ch, _ := newTestGateway(t, nil, quietNow())

	res, err := gw.Send(context.Background(), Message{
		Recipient: "+525512345678",
		Channel:   "crm",
		Category:  CategoryReply,
		Body:      "claro, te ayudo",
	})
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Len(t, ch.delivered, 1)
}

func TestSendDailyCapDrops(t *testing.T) {
	opts := Options{Policies: map[Category]Policy{CategoryReply: {DailyCap: 2}}}
	gw, ch, _ := newTestGateway(t, nil, opts)
	ctx := context.Background()

	msg := Message{Recipient: "+525512345678", Channel: "crm", Category: CategoryReply, Body: "x"}
	for i := 0; i < 2; i++ {
		res, err := gw.Send(ctx, msg)
		require.NoError(t, err)
		require.True(t, res.Sent)
	}

	res, err := gw.Send(ctx, msg)
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Equal(t, "daily_cap", res.Reason)
	assert.Len(t, ch.delivered, 2)

	// Another recipient is unaffected.
	res, err = gw.Send(ctx, Message{Recipient: "+525599999999", Channel: "crm", Category: CategoryReply, Body: "y"})
	require.NoError(t, err)
	assert.True(t, res.Sent)
}

func TestSendCooldownDrops(t *testing.T) {
	opts := Options{Policies: map[Category]Policy{CategoryAlert: {Cooldown: time.Hour}}}
	gw, ch, _ := newTestGateway(t, nil, opts)
	ctx := context.Background()

	msg := Message{Recipient: "ops-room", Channel: "crm", Category: CategoryAlert, Body: "queue depth rising"}

	res, err := gw.Send(ctx, msg)
	require.NoError(t, err)
	require.True(t, res.Sent)

	res, err = gw.Send(ctx, msg)
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Equal(t, "cooldown", res.Reason)
	assert.Len(t, ch.delivered, 1)
}

func TestSendChannelErrorSurfaces(t *testing.T) {
	gw, ch, _ := newTestGateway(t, nil, Options{})
	ch.fail = errors.New("upstream 502")

	res, err := gw.Send(context.Background(), Message{
		Recipient: "+525512345678",
		Channel:   "crm",
		Category:  CategoryReply,
		Body:      "hola",
	})
	require.Error(t, err)
	assert.False(t, res.Sent)
	assert.Equal(t, "channel_error", res.Reason)
}

func TestQuietDelayMath(t *testing.T) {
	gw, _, _ := newTestGateway(t, nil, Options{QuietStart: 22, QuietEnd: 8})

	at := func(hour, min int) time.Time {
		return time.Date(2026, 3, 10, hour, min, 0, 0, time.UTC)
	}

	assert.Equal(t, 8*time.Hour+30*time.Minute, gw.quietDelay(at(23, 30)))
	assert.Equal(t, 6*time.Hour, gw.quietDelay(at(2, 0)))
	assert.Zero(t, gw.quietDelay(at(12, 0)))
	assert.Zero(t, gw.quietDelay(at(8, 0)), "window end is exclusive")

	disabled, _, _ := newTestGateway(t, nil, Options{QuietStart: 5, QuietEnd: 5})
	assert.Zero(t, disabled.quietDelay(at(5, 30)))
}
