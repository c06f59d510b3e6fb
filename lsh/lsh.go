// Package lsh implements the LSH and distance kernel (C1): TLSH hashing with
// deterministic seeded padding, plus the distance functions the clusterer
// (package cluster) and detectors (package detect) use to compare endpoints,
// interactions and states.
package lsh

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/glaslos/tlsh"
	"github.com/hbollon/go-edlib"

	"github.com/arborcrawl/statescan"
)

// ErrInsufficientEntropy is returned by Hasher.Hash when the input (after
// padding) still does not carry enough entropy for TLSH to produce a
// fingerprint (TNULL in the GLOSSARY's terms).
var ErrInsufficientEntropy = errors.New("lsh: input has insufficient entropy for TLSH (TNULL)")

const paddingLength = 200

// Hasher produces TLSH fingerprints using a padding that is fixed for the
// lifetime of the Hasher (one per batch run) but derived from the batch's
// random seed, per §4.1's padding rule: identical within a run so it cancels
// in pairwise comparison, different across runs so clusters never leak
// across batches that happen to reuse small fixtures.
type Hasher struct {
	padding string
	rng     *rand.Rand
}

// NewHasher builds a Hasher whose padding is deterministic in seed.
func NewHasher(seed int64) *Hasher {
	rng := rand.New(rand.NewSource(seed))
	return &Hasher{padding: randomPadding(rng, paddingLength), rng: rng}
}

const paddingAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func randomPadding(rng *rand.Rand, n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = paddingAlphabet[rng.Intn(len(paddingAlphabet))]
	}
	return string(buf)
}

// Padding returns the seeded padding constant this Hasher prefixes to every
// input, for callers that want to record it alongside a batch's config
// (an experiment audit trail, not consulted by any core component).
func (h *Hasher) Padding() string { return h.padding }

// RandomHash produces a fresh, unpadded random-looking hash string, used
// where the spec calls for "a random hash" (an under-explored state with no
// interactions yet, or a state whose recomputed hash came back TNULL).
func (h *Hasher) RandomHash() string {
	return randomPadding(h.rng, 70)
}

// Hash computes the padded TLSH fingerprint of data, returning
// ErrInsufficientEntropy if even the padded input lacks enough entropy.
func (h *Hasher) Hash(data []byte) (string, error) {
	padded := make([]byte, 0, len(h.padding)+len(data))
	padded = append(padded, h.padding...)
	padded = append(padded, data...)

	t, err := tlsh.HashBytes(padded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return t.String(), nil
}

// Distance computes the distance between two values under the named metric.
// Similarity metrics (jaro_winkler, mlipns) are inverted to distances via
// 1-s so every DistanceType here is a true, non-negative, symmetric distance
// (§4.1).
func Distance(kind statescan.DistanceType, a, b string) (float64, error) {
	switch kind {
	case statescan.DistanceTLSH:
		return tlshDistance(a, b)
	case statescan.DistanceLevenshtein:
		return float64(edlib.LevenshteinDistance(a, b)), nil
	case statescan.DistanceHamming:
		d, err := edlib.HammingDistance(a, b)
		if err != nil {
			return 0, fmt.Errorf("lsh: hamming distance: %w", err)
		}
		return float64(d), nil
	case statescan.DistanceDamerauLevenshtein:
		return float64(edlib.DamerauLevenshteinDistance(a, b)), nil
	case statescan.DistanceJaroWinklerInv:
		sim := edlib.JaroWinklerSimilarity(a, b)
		return 1 - float64(sim), nil
	case statescan.DistanceMLIPNSInv:
		return 1 - mlipnsSimilarity(a, b), nil
	case statescan.DistanceHash2Vec:
		return hash2vecDistance(a, b)
	default:
		return 0, fmt.Errorf("lsh: unsupported distance type %q", kind)
	}
}

func tlshDistance(a, b string) (float64, error) {
	ta, err := tlsh.ParseStringToTlsh(a)
	if err != nil {
		return 0, fmt.Errorf("lsh: parsing tlsh hash %q: %w", a, err)
	}
	tb, err := tlsh.ParseStringToTlsh(b)
	if err != nil {
		return 0, fmt.Errorf("lsh: parsing tlsh hash %q: %w", b, err)
	}
	return float64(ta.Diff(tb)), nil
}
