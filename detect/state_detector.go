package detect

import (
	"context"
	"sort"
	"strings"

	"github.com/ccpaging/log4go"

	"github.com/arborcrawl/statescan"
	"github.com/arborcrawl/statescan/cluster"
	"github.com/arborcrawl/statescan/lsh"
)

// StateDetector implements C7: recompute each explored state's hash from its
// interaction content (Phase A), then repeatedly cluster live states by hash
// and collapse equivalent ones into their earliest representative (Phase B).
type StateDetector struct {
	store  statescan.Store
	hasher *lsh.Hasher
	cfg    statescan.Config
}

func NewStateDetector(store statescan.Store, hasher *lsh.Hasher, cfg statescan.Config) *StateDetector {
	return &StateDetector{store: store, hasher: hasher, cfg: cfg}
}

func (d *StateDetector) Run(ctx context.Context) error {
	if err := d.recomputeHashes(ctx); err != nil {
		return err
	}
	return d.collapse(ctx)
}

// recomputeHashes is Phase A: concatenate the distinct hashes of each
// explored state's non-fuzzer interactions, TLSH it with the same seeded
// padding as everywhere else in C1 (§4.7's resolved padding question), and
// fall back to a fresh random hash on insufficient entropy.
func (d *StateDetector) recomputeHashes(ctx context.Context) error {
	states, err := d.store.GetExploredStates(ctx)
	if err != nil {
		return err
	}
	for _, s := range states {
		if err := ctx.Err(); err != nil {
			return err
		}
		hashes, err := d.store.GetDistinctNonFuzzerInteractionHashes(ctx, s.ID)
		if err != nil {
			return err
		}
		if len(hashes) == 0 {
			if err := d.store.SetStateHash(ctx, s.ID, d.hasher.RandomHash()); err != nil {
				return err
			}
			continue
		}
		sort.Strings(hashes)
		hash, err := d.hasher.Hash([]byte(strings.Join(hashes, "")))
		if err != nil {
			hash = d.hasher.RandomHash()
		}
		if err := d.store.SetStateHash(ctx, s.ID, hash); err != nil {
			return err
		}
	}
	return nil
}

// collapse is Phase B. Each iteration clusters the whole live-state set by
// hash, picks one state's cluster, and if it has more than one member,
// merges everything but the earliest-created member into it. Since every
// iteration removes at least |C|-1 states from the live set, this runs at
// most O(#states) times (§4.7 termination argument).
func (d *StateDetector) collapse(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		states, err := d.store.GetNonCollapsedStates(ctx)
		if err != nil {
			return err
		}
		if len(states) < 2 {
			return nil
		}

		clusters, err := clusterStatesByHash(states, d.cfg.StateDetector.DistanceType)
		if err != nil {
			return err
		}
		if merged, err := d.collapseOneCluster(ctx, states, clusters); err != nil {
			return err
		} else if !merged {
			return nil
		}
	}
}

// collapseOneCluster finds the first cluster with more than one member and
// collapses it, returning false if every cluster already has size 1 (the
// live-state set is already maximally collapsed).
func (d *StateDetector) collapseOneCluster(ctx context.Context, states []statescan.State, labels []int) (bool, error) {
	byLabel := map[int][]int{}
	for i, l := range labels {
		if l >= 0 {
			byLabel[l] = append(byLabel[l], i)
		}
	}
	for _, members := range byLabel {
		if len(members) <= 1 {
			continue
		}
		return true, d.collapseMembers(ctx, states, members)
	}
	return false, nil
}

func (d *StateDetector) collapseMembers(ctx context.Context, states []statescan.State, members []int) error {
	earliest := members[0]
	for _, m := range members[1:] {
		if states[m].CreatedAt < states[earliest].CreatedAt {
			earliest = m
		}
	}
	e := states[earliest]

	if err := d.store.UpdateCurrentState(ctx, e.ID); err != nil {
		return err
	}

	for _, m := range members {
		if m == earliest {
			continue
		}
		y := states[m]
		edge := statescan.ReachabilityEdge{FromStateID: y.PreviousStateID, CausedByInteractionID: y.CausedByInteractionID}
		if err := d.store.ExtendStateReachability(ctx, e.ID, []statescan.ReachabilityEdge{edge}); err != nil {
			return err
		}
		log4go.Info("state detector: collapsing state %v into %v", y.ID, e.ID)
		if d.cfg.StateDetector.DeleteCollapsed {
			if err := d.store.DeleteStatesRecursively(ctx, y.ID); err != nil {
				return err
			}
		} else {
			if err := d.store.MarkStatesCollapsedRecursively(ctx, y.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func clusterStatesByHash(states []statescan.State, distType statescan.DistanceType) ([]int, error) {
	if distType == statescan.DistanceHash2Vec {
		points := make([][]float64, len(states))
		for i, s := range states {
			points[i] = lsh.Hash2Vec(s.Hash)
		}
		result, err := cluster.Cluster(points, statescan.EPSSilhouette)
		if err != nil {
			return nil, err
		}
		return result.Labels, nil
	}
	result, err := cluster.ClusterByDistanceMatrix(len(states), func(i, j int) float64 {
		dist, _ := lsh.Distance(distType, states[i].Hash, states[j].Hash)
		return dist
	}, statescan.EPSSilhouette)
	if err != nil {
		return nil, err
	}
	return result.Labels, nil
}
