package changefeed

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu  sync.Mutex
	got []Change
}

func (r *recorder) handle(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, c)
}

func (r *recorder) changes() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.got...)
}

func TestMemoryFeed_RoutesByCollection(t *testing.T) {
	f := NewMemoryFeed(zap.NewNop())
	bills, all := &recorder{}, &recorder{}

	f.Subscribe("bills", bills.handle)
	f.Subscribe(All, all.handle)

	require.NoError(t, f.Publish(context.Background(),
		Change{Collection: "bills", ID: "b1", Op: OpUpdate},
		Change{Collection: "transactions", ID: "t1", Op: OpCreate},
	))

	require.Len(t, bills.changes(), 1)
	assert.Equal(t, "b1", bills.changes()[0].ID)
	assert.False(t, bills.changes()[0].At.IsZero())
	assert.Len(t, all.changes(), 2)
}

func TestMemoryFeed_Unsubscribe(t *testing.T) {
	f := NewMemoryFeed(nil)
	r := &recorder{}
	unsub := f.Subscribe("residents", r.handle)

	require.NoError(t, f.Publish(context.Background(), Change{Collection: "residents", ID: "r1", Op: OpCreate}))
	unsub()
	unsub()
	require.NoError(t, f.Publish(context.Background(), Change{Collection: "residents", ID: "r2", Op: OpCreate}))

	assert.Len(t, r.changes(), 1)
}

func TestMemoryFeed_PanickingSubscriberIsIsolated(t *testing.T) {
	f := NewMemoryFeed(zap.NewNop())
	r := &recorder{}
	f.Subscribe("bills", func(Change) { panic("boom") })
	f.Subscribe("bills", r.handle)

	assert.NotPanics(t, func() {
		_ = f.Publish(context.Background(), Change{Collection: "bills", ID: "b1", Op: OpUpdate})
	})
	assert.Len(t, r.changes(), 1)
}

func TestRedisFeed_HandleMessage(t *testing.T) {
	f := &RedisFeed{local: NewMemoryFeed(nil), logger: zap.NewNop()}
	r := &recorder{}
	f.Subscribe("bank_accounts", r.handle)

	payload, err := json.Marshal(Change{ID: "acc-1", Op: OpUpdate})
	require.NoError(t, err)

	f.handleMessage(ChannelPrefix+"bank_accounts", string(payload))
	f.handleMessage(ChannelPrefix+"bank_accounts", "not json")

	got := r.changes()
	require.Len(t, got, 1)
	assert.Equal(t, "bank_accounts", got[0].Collection)
	assert.Equal(t, "acc-1", got[0].ID)
}

func TestRedisFeed_RoundTrip(t *testing.T) {
	addr := os.Getenv("WARGABILL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WARGABILL_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	f, err := NewRedisFeed(ctx, RedisConfig{Addr: addr}, zap.NewNop())
	require.NoError(t, err)
	defer f.Close()

	r := &recorder{}
	f.Subscribe("bills", r.handle)
	require.NoError(t, f.Publish(ctx, Change{Collection: "bills", ID: "b1", Op: OpUpdate}))

	assert.Eventually(t, func() bool { return len(r.changes()) == 1 }, 5*time.Second, 20*time.Millisecond)
}
