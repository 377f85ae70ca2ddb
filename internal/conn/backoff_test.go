package conn

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffNominalMonotonicUpToMax(t *testing.T) {
	t.Parallel()
	b := Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}
	prev := time.Duration(0)
	for n := 0; n < 40; n++ {
		d := b.Nominal(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
	}
	assert.Equal(t, b.Max, b.Nominal(1000))
	assert.Equal(t, b.Base, b.Nominal(0))
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	t.Parallel()
	b := Backoff{Base: time.Second, Max: 30 * time.Second, Multiplier: 1.7, Jitter: 0.5}
	r := rand.New(rand.NewSource(1))
	for n := 0; n < 30; n++ {
		for i := 0; i < 200; i++ {
			d := b.Delay(n, r.Float64)
			require.GreaterOrEqual(t, d, b.Base)
			require.LessOrEqual(t, d, b.Max)
		}
	}
}

func TestBackoffWithoutJitterMatchesNominal(t *testing.T) {
	t.Parallel()
	b := Backoff{Base: 10 * time.Millisecond, Max: time.Second, Multiplier: 3}
	for n := 0; n < 8; n++ {
		assert.Equal(t, b.Nominal(n), b.Delay(n, func() float64 { return 0.99 }))
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1700000000123)
	u, err := BuildURL("https://push.example/ws?x=1", "a b", now)
	require.NoError(t, err)
	assert.Equal(t, "wss://push.example/ws?t=1700000000123&token=a+b&x=1", u)

	_, err = BuildURL("push.example/ws", "t", now)
	assert.Error(t, err)
	_, err = BuildURL("ftp://push.example", "t", now)
	assert.Error(t, err)
}
