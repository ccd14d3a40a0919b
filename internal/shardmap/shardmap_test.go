package shardmap

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cidOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestShardKeyDeterministicAndInRange(t *testing.T) {
	cid := cidOf("hello")
	k1, err := ShardKey(cid, 1024)
	require.NoError(t, err)
	k2, err := ShardKey(cid, 1024)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.GreaterOrEqual(t, k1, 0)
	assert.Less(t, k1, 1024)
}

func TestShardKeyRejectsBadCID(t *testing.T) {
	_, err := ShardKey("not-a-cid", 1024)
	assert.Error(t, err)
	_, err = ShardKey(cidOf("x"), 0)
	assert.Error(t, err)
}

func TestParseOwnershipMixed(t *testing.T) {
	ranges, explicit, err := ParseOwnership("0-255,512-767")
	require.NoError(t, err)
	assert.Equal(t, []Range{{0, 255}, {512, 767}}, ranges)
	assert.Empty(t, explicit)

	ranges, explicit, err = ParseOwnership("0,1,2,3")
	require.NoError(t, err)
	assert.Empty(t, ranges)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, explicit)
}

func TestParseOwnershipRejectsHugeRange(t *testing.T) {
	_, _, err := ParseOwnership("0-9999999999")
	assert.Error(t, err)
}

func TestOwnsShardAndCID(t *testing.T) {
	ranges, _, err := ParseOwnership("0-255")
	require.NoError(t, err)
	m := NewMap(1024, ranges, nil)

	assert.True(t, m.OwnsShard(10))
	assert.False(t, m.OwnsShard(900))

	// Find a cid whose shard key falls inside [0,255] deterministically.
	var owned, notOwned string
	for i := 0; i < 10000; i++ {
		cid := cidOf(hex.EncodeToString([]byte{byte(i), byte(i >> 8)}))
		k, err := ShardKey(cid, 1024)
		require.NoError(t, err)
		if k <= 255 && owned == "" {
			owned = cid
		}
		if k > 255 && notOwned == "" {
			notOwned = cid
		}
		if owned != "" && notOwned != "" {
			break
		}
	}
	require.NotEmpty(t, owned)
	require.NotEmpty(t, notOwned)

	ok, err := m.OwnsCID(owned)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.OwnsCID(notOwned)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoveredShardsExplicitAndRanges(t *testing.T) {
	m := NewMap(1024, []Range{{0, 9}}, []int{20, 21, 5})
	assert.Equal(t, 12, m.CoveredShards()) // 0-9 plus 20,21 (5 already covered)
}

func TestAtomicMapSwap(t *testing.T) {
	m1 := NewMap(1024, []Range{{0, 255}}, nil)
	am := NewAtomicMap(m1)
	assert.True(t, am.Load().OwnsShard(10))

	m2 := NewMap(1024, []Range{{256, 511}}, nil)
	am.Store(m2)
	assert.False(t, am.Load().OwnsShard(10))
	assert.True(t, am.Load().OwnsShard(300))
}

func TestShardDistributionBoundary(t *testing.T) {
	const shardCount = 256
	const n = 1000
	keys := make([]int, 0, n)
	for i := 0; i < n; i++ {
		cid := cidOf(hex.EncodeToString([]byte{byte(i), byte(i >> 8), byte(i >> 16)}))
		k, err := ShardKey(cid, shardCount)
		require.NoError(t, err)
		keys = append(keys, k)
	}
	dist := Analyze(keys, shardCount)
	minExpected := int(0.8 * float64(min(n, shardCount)))
	assert.GreaterOrEqual(t, dist.CoveredShards, minExpected)
	assert.LessOrEqual(t, float64(dist.MaxShardCount), 3*float64(n)/float64(shardCount))
}
