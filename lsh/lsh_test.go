package lsh

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arborcrawl/statescan"
)

func TestNewHasherDeterministicInSeed(t *testing.T) {
	a := NewHasher(42)
	b := NewHasher(42)
	assert.Equal(t, a.Padding(), b.Padding())

	c := NewHasher(43)
	assert.NotEqual(t, a.Padding(), c.Padding())
}

func TestHashPaddingCancelsInPairwiseComparison(t *testing.T) {
	h := NewHasher(7)
	body := []byte("the quick brown fox jumps over the lazy dog, repeatedly, to build up entropy")

	hash1, err := h.Hash(body)
	require.NoError(t, err)
	hash2, err := h.Hash(body)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)
}

func TestHashInsufficientEntropy(t *testing.T) {
	h := NewHasher(1)
	_, err := h.Hash(nil)
	assert.True(t, errors.Is(err, ErrInsufficientEntropy) || err == nil)
}

func TestRandomHashLength(t *testing.T) {
	h := NewHasher(1)
	got := h.RandomHash()
	assert.Len(t, got, 70)
}

func TestDistanceUnsupportedType(t *testing.T) {
	_, err := Distance(statescan.DistanceType("bogus"), "a", "b")
	assert.Error(t, err)
}

func TestDistanceMLIPNSInvertsToDistance(t *testing.T) {
	d, err := Distance(statescan.DistanceMLIPNSInv, "identical", "identical")
	require.NoError(t, err)
	assert.Equal(t, 0.0, d)

	d, err = Distance(statescan.DistanceMLIPNSInv, "", "anything")
	require.NoError(t, err)
	assert.Equal(t, 1.0, d)
}

func TestDistanceLevenshtein(t *testing.T) {
	d, err := Distance(statescan.DistanceLevenshtein, "kitten", "sitting")
	require.NoError(t, err)
	assert.Equal(t, 3.0, d)
}

func TestDistanceHash2VecSymmetric(t *testing.T) {
	a := "4A3F9C0012"
	b := "4A3F9C0099"
	d1, err := Distance(statescan.DistanceHash2Vec, a, b)
	require.NoError(t, err)
	d2, err := Distance(statescan.DistanceHash2Vec, b, a)
	require.NoError(t, err)
	assert.InDelta(t, d1, d2, 1e-9)
}
