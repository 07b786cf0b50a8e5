package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"chainreport/internal/infra/kv"
	"chainreport/internal/shared/logging"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type price struct {
	Symbol string  `json:"symbol"`
	USD    float64 `json:"usd"`
}

type countingObserver struct{ hits, misses int }

func (o *countingObserver) ObserveCache(hit bool) {
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func TestKeyIsOrderIndependent(t *testing.T) {
	a := Key("https://api.example.com/price", map[string]any{"ids": "btc", "vs": "usd", "opts": map[string]any{"a": 1, "b": 2}})
	b := Key("https://api.example.com/price", map[string]any{"opts": map[string]any{"b": 2, "a": 1}, "vs": "usd", "ids": "btc"})
	c := Key("https://api.example.com/price", map[string]any{"ids": "eth", "vs": "usd"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
	assert.Equal(t, Key("u", nil), Key("u", map[string]any{}))
}

func TestCallHitsWithinTTLAndRefreshesAfter(t *testing.T) {
	store := kv.NewMemoryStore(16)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	obs := &countingObserver{}
	c := New(store, time.Minute, WithLogger(logging.Nop()), WithObserver(obs))

	calls := 0
	fetch := func(ctx context.Context) (price, error) {
		calls++
		return price{Symbol: "BTC", USD: float64(calls)}, nil
	}
	key := Key("https://api.example.com/price", map[string]any{"ids": "btc"})
	ctx := context.Background()

	first, err := Call(ctx, c, key, 0, JSONCodec[price](), fetch)
	require.NoError(t, err)
	second, err := Call(ctx, c, key, 0, JSONCodec[price](), fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)

	now = now.Add(time.Minute)
	third, err := Call(ctx, c, key, 0, JSONCodec[price](), fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2.0, third.USD)
	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, 2, obs.misses)
}

func TestCallTreatsDecodeFailureAsMiss(t *testing.T) {
	store := kv.NewMemoryStore(16)
	c := New(store, time.Minute, WithLogger(logging.Nop()))
	ctx := context.Background()
	key := Key("u", nil)
	require.NoError(t, store.Set(ctx, keyPrefix+key, []byte("not json"), time.Minute))

	calls := 0
	got, err := Call(ctx, c, key, 0, JSONCodec[price](), func(ctx context.Context) (price, error) {
		calls++
		return price{Symbol: "ETH"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ETH", got.Symbol)
	assert.Equal(t, 1, calls)

	cached, err := store.Get(ctx, keyPrefix+key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"symbol":"ETH","usd":0}`, string(cached))
}

func TestCallDoesNotCacheErrors(t *testing.T) {
	c := New(kv.NewMemoryStore(16), time.Minute, WithLogger(logging.Nop()))
	sentinel := errors.New("upstream down")
	calls := 0
	fn := func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, sentinel
		}
		return 7, nil
	}
	_, err := Call(context.Background(), c, "k", 0, JSONCodec[int](), fn)
	assert.ErrorIs(t, err, sentinel)
	got, err := Call(context.Background(), c, "k", 0, JSONCodec[int](), fn)
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, 2, calls)
}

func TestCallSurvivesStoreOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	c := New(kv.NewRedisStore(client, "t:"), time.Minute, WithLogger(logging.Nop()))
	mr.Close()

	calls := 0
	for i := 0; i < 2; i++ {
		got, err := Call(context.Background(), c, "k", 0, JSONCodec[string](), func(ctx context.Context) (string, error) {
			calls++
			return "fresh", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "fresh", got)
	}
	assert.Equal(t, 2, calls)
}

func TestCallWithCustomCodec(t *testing.T) {
	c := New(kv.NewMemoryStore(16), time.Minute, WithLogger(logging.Nop()))
	codec := Codec[[]string]{
		Encode: func(v []string) ([]byte, error) {
			if len(v) == 0 {
				return nil, nil
			}
			return []byte(v[0]), nil
		},
		Decode: func(data []byte) ([]string, error) { return []string{string(data), "decoded"}, nil },
	}
	calls := 0
	fn := func(ctx context.Context) ([]string, error) {
		calls++
		return []string{"raw"}, nil
	}
	_, err := Call(context.Background(), c, "k", 0, codec, fn)
	require.NoError(t, err)
	got, err := Call(context.Background(), c, "k", 0, codec, fn)
	require.NoError(t, err)
	assert.Equal(t, []string{"raw", "decoded"}, got)
	assert.Equal(t, 1, calls)
}

func TestNilCacheCallsThrough(t *testing.T) {
	got, err := Call(context.Background(), nil, "k", 0, Codec[int]{}, func(ctx context.Context) (int, error) { return 3, nil })
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}
