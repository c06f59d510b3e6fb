// Package detect implements the endpoint detector (C5), state-change
// detector (C6) and state detector/collapser (C7): the three passes that
// turn raw extracted endpoints and executed interactions into the inferred
// state graph. Grounded in the original scanner's Detection/Basic and
// Detection/ClusteringBased packages.
package detect

import (
	"context"

	"github.com/ccpaging/log4go"

	"github.com/arborcrawl/statescan"
	"github.com/arborcrawl/statescan/cluster"
	"github.com/arborcrawl/statescan/lsh"
)

// EndpointDetector implements C5 over unprocessed endpoints, in either of
// the two closed variants selected by Config.EndpointDetector.Kind (§9:
// dynamic module loading replaced by a closed sum type).
type EndpointDetector struct {
	store   statescan.Store
	hasher  *lsh.Hasher
	kind    statescan.EndpointDetectorKind
	cfg     statescan.Config
}

func NewEndpointDetector(store statescan.Store, hasher *lsh.Hasher, cfg statescan.Config) *EndpointDetector {
	return &EndpointDetector{store: store, hasher: hasher, kind: cfg.EndpointDetector.Kind, cfg: cfg}
}

// Run implements the work manager's Work contract.
func (d *EndpointDetector) Run(ctx context.Context) error {
	endpoints, err := d.store.GetUnprocessedEndpoints(ctx)
	if err != nil {
		return err
	}
	for _, e := range endpoints {
		if err := ctx.Err(); err != nil {
			return err
		}
		var clean bool
		var err error
		switch d.kind {
		case statescan.EndpointDetectorBasic:
			clean, err = d.detectBasic(ctx, &e)
		default:
			clean, err = d.detectClustering(ctx, &e)
		}
		if err != nil {
			return err
		}
		if !clean && d.cfg.EndpointDetector.DeleteDirty {
			if err := d.store.DeleteEndpoint(ctx, e.ID); err != nil {
				return err
			}
			continue
		}
		if err := d.store.MarkEndpointClusteringProcessed(ctx, e.ID, clean); err != nil {
			return err
		}
	}
	return nil
}

// detectBasic marks e clean iff it is the first of its locator-group: no
// similar-peer siblings exist yet. GetSimilarEndpoints includes e itself, so
// e is skipped when looking for siblings.
func (d *EndpointDetector) detectBasic(ctx context.Context, e *statescan.Endpoint) (bool, error) {
	peers, err := d.store.GetSimilarEndpoints(ctx, e)
	if err != nil {
		return false, err
	}
	for _, p := range peers {
		if p.ID != e.ID {
			return false, nil
		}
	}
	return true, nil
}

// detectClustering clusters the peer group (e's GetSimilarEndpoints result
// always includes e itself, already persisted by the time this runs) and
// compares the resulting cluster count against the stored watermark for
// {host, scheme, path, method, state_id}: a strictly larger count, or no
// watermark recorded yet, means e is clean (mirrors
// ClusteringBased/EndpointDetector.py._cluster_count_changed, which treats
// an unseen group as having always changed).
func (d *EndpointDetector) detectClustering(ctx context.Context, e *statescan.Endpoint) (bool, error) {
	group, err := d.store.GetSimilarEndpoints(ctx, e)
	if err != nil {
		return false, err
	}

	k, err := clusterEndpoints(group, d.cfg.EndpointDetector.DistanceType)
	if err != nil {
		return false, err
	}

	key := statescan.ClusteringInfoKey{
		Host: e.Host, Scheme: e.Scheme, Path: e.Path, Method: e.Method, StateID: e.StateID,
	}
	info, err := d.store.GetEndpointClusteringInfo(ctx, key)
	if err != nil {
		return false, err
	}
	if info == nil {
		if err := d.store.SetEndpointClusteringInfo(ctx, key, k); err != nil {
			return false, err
		}
		log4go.Fine("endpoint detector: no watermark yet for %v %v (k=%d), marking clean", e.Method, e.Path, k)
		return true, nil
	}

	if k > info.ClusterCount {
		if err := d.store.SetEndpointClusteringInfo(ctx, key, k); err != nil {
			return false, err
		}
		log4go.Fine("endpoint detector: new cluster for %v %v (k=%d > prev=%d), marking clean", e.Method, e.Path, k, info.ClusterCount)
		return true, nil
	}
	return false, nil
}

func clusterEndpoints(group []statescan.Endpoint, distType statescan.DistanceType) (int, error) {
	if distType == statescan.DistanceHash2Vec {
		points := make([][]float64, len(group))
		for i, e := range group {
			points[i] = lsh.Hash2Vec(e.Hash)
		}
		result, err := cluster.Cluster(points, statescan.EPSSilhouette)
		if err != nil {
			return 0, err
		}
		return result.K, nil
	}

	result, err := cluster.ClusterByDistanceMatrix(len(group), func(i, j int) float64 {
		d, _ := lsh.Distance(distType, group[i].Hash, group[j].Hash)
		return d
	}, statescan.EPSSilhouette)
	if err != nil {
		return 0, err
	}
	return result.K, nil
}
