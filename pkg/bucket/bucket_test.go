package bucket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/netlimiter/pkg/bpfdata"
)

func TestAllow_FirstObservationSeedsFullBucket(t *testing.T) {
	b := &bpfdata.TokenBucket{RateBps: 1_000_000, Capacity: 0}
	v := Allow(b, 100, 1)
	assert.Equal(t, Admit, v)
	assert.Equal(t, uint64(1_000_000), b.Capacity)
	assert.Equal(t, uint64(1_000_000-100), b.Tokens)
	assert.Equal(t, uint64(1), b.LastUpdateNs)
}

func TestAllow_ZeroRate_AlwaysDrops(t *testing.T) {
	b := &bpfdata.TokenBucket{RateBps: 0, Capacity: 0, LastUpdateNs: 1, Tokens: 0}
	for i, now := range []uint64{2, 1_000_000, 2_000_000_000} {
		v := Allow(b, 1, now)
		assert.Equal(t, Drop, v, "iteration %d", i)
	}
}

func TestAllow_BurstEqualsRate_AdmitsOneSecondWorth(t *testing.T) {
	const rate = 1_048_576
	b := &bpfdata.TokenBucket{RateBps: rate, Capacity: rate, LastUpdateNs: 0}
	// seed (a zero timestamp means "uninitialized", so the clock starts at 1)
	require.Equal(t, Admit, Allow(b, 0, 1))
	require.Equal(t, uint64(rate), b.Tokens)

	// a single packet of exactly capacity size is admitted with no elapsed time
	v := Allow(b, rate, 1)
	assert.Equal(t, Admit, v)
	assert.Equal(t, uint64(0), b.Tokens)

	// next packet at the same instant has no tokens left
	v = Allow(b, 1, 1)
	assert.Equal(t, Drop, v)
}

func TestAllow_NoElapsedTime_AddsNoTokens(t *testing.T) {
	b := &bpfdata.TokenBucket{RateBps: 1000, Capacity: 1000, Tokens: 0, LastUpdateNs: 500}
	v := Allow(b, 1, 500)
	assert.Equal(t, Drop, v)
	assert.Equal(t, uint64(0), b.Tokens)
}

func TestAllow_RefillsProportionalToElapsedMicroseconds(t *testing.T) {
	// rate = 1,000,000 bytes/sec; after 500,000us (0.5s) expect +500,000 tokens
	b := &bpfdata.TokenBucket{RateBps: 1_000_000, Capacity: 2_000_000, Tokens: 0, LastUpdateNs: 1}
	v := Allow(b, 400_000, 500_000_001) // 500ms in ns after LastUpdateNs
	assert.Equal(t, Admit, v)
	assert.Equal(t, uint64(500_000-400_000), b.Tokens)
}

func TestAllow_RefillClampsToCapacity(t *testing.T) {
	b := &bpfdata.TokenBucket{RateBps: 1_000_000, Capacity: 100, Tokens: 50, LastUpdateNs: 1}
	// a huge elapsed time would add far more than capacity
	v := Allow(b, 10, 10_000_000_001) // 10s
	assert.Equal(t, Admit, v)
	assert.Equal(t, uint64(90), b.Tokens)
}

func TestAllow_LargeElapsedDoesNotOverflow(t *testing.T) {
	b := &bpfdata.TokenBucket{RateBps: ^uint64(0) / 2, Capacity: ^uint64(0), Tokens: 0, LastUpdateNs: 1}
	assert.NotPanics(t, func() {
		Allow(b, 1, ^uint64(0))
	})
	assert.LessOrEqual(t, b.Tokens, b.Capacity)
}

func TestAllow_ExactTokenCount_Admits(t *testing.T) {
	b := &bpfdata.TokenBucket{RateBps: 1000, Capacity: 1000, Tokens: 50, LastUpdateNs: 1}
	v := Allow(b, 50, 1)
	assert.Equal(t, Admit, v)
	assert.Equal(t, uint64(0), b.Tokens)
}

func TestAllow_OneByteShort_Drops(t *testing.T) {
	b := &bpfdata.TokenBucket{RateBps: 1000, Capacity: 1000, Tokens: 49, LastUpdateNs: 1}
	v := Allow(b, 50, 1)
	assert.Equal(t, Drop, v)
	assert.Equal(t, uint64(49), b.Tokens, "tokens unchanged on drop")
}

func TestUpdateStats_AdmitAndDrop(t *testing.T) {
	var s bpfdata.ThrottleStats
	UpdateStats(&s, 100, Admit)
	assert.Equal(t, uint64(1), s.PacketsTotal)
	assert.Equal(t, uint64(100), s.BytesTotal)
	assert.Equal(t, uint64(0), s.PacketsDropped)
	assert.Equal(t, uint64(0), s.BytesDropped)

	UpdateStats(&s, 50, Drop)
	assert.Equal(t, uint64(2), s.PacketsTotal)
	assert.Equal(t, uint64(150), s.BytesTotal)
	assert.Equal(t, uint64(1), s.PacketsDropped)
	assert.Equal(t, uint64(50), s.BytesDropped)
}

func TestSaturatingHelpers(t *testing.T) {
	t.Run("add_overflow", func(t *testing.T) {
		assert.Equal(t, ^uint64(0), satAdd(^uint64(0), 1))
	})
	t.Run("sub_underflow", func(t *testing.T) {
		assert.Equal(t, uint64(0), satSub(1, 2))
	})
	t.Run("mul_overflow", func(t *testing.T) {
		assert.Equal(t, ^uint64(0), satMul(^uint64(0), 2))
	})
	t.Run("mul_zero", func(t *testing.T) {
		assert.Equal(t, uint64(0), satMul(0, ^uint64(0)))
	})
}
