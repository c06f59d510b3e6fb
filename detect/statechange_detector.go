package detect

import (
	"context"

	"github.com/ccpaging/log4go"

	"github.com/arborcrawl/statescan"
	"github.com/arborcrawl/statescan/cluster"
	"github.com/arborcrawl/statescan/lsh"
)

// StateChangeDetector implements C6: per explored, non-collapsed state, walk
// its unprocessed interactions and decide whether each one moved the
// application into a new latent state.
type StateChangeDetector struct {
	store  statescan.Store
	hasher *lsh.Hasher
	cfg    statescan.Config
	now    func() int64
}

func NewStateChangeDetector(store statescan.Store, hasher *lsh.Hasher, cfg statescan.Config, now func() int64) *StateChangeDetector {
	return &StateChangeDetector{store: store, hasher: hasher, cfg: cfg, now: now}
}

func (d *StateChangeDetector) Run(ctx context.Context) error {
	states, err := d.store.GetExploredNonCollapsedStates(ctx)
	if err != nil {
		return err
	}
	for _, s := range states {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.processState(ctx, &s); err != nil {
			return err
		}
	}
	return nil
}

func (d *StateChangeDetector) processState(ctx context.Context, s *statescan.State) error {
	var fuzzerFilter *bool
	if d.cfg.StateChangeDetector.OnlyFromFuzzer {
		t := true
		fuzzerFilter = &t
	}
	interactions, err := d.store.GetUnprocessedInteractions(ctx, s.ID, d.cfg.StateChangeDetector.OnlyFromFuzzer)
	if err != nil {
		return err
	}
	for i := range interactions {
		interaction := interactions[i]
		if err := d.processInteraction(ctx, s, &interaction, fuzzerFilter); err != nil {
			return err
		}
	}
	return nil
}

func (d *StateChangeDetector) processInteraction(ctx context.Context, s *statescan.State, interaction *statescan.Interaction, fuzzerFilter *bool) error {
	filter := statescan.InteractionFilter{MadeByFuzzer: fuzzerFilter}
	peers, err := d.store.GetSimilarInteractions(ctx, &interaction.Request.Endpoint, s.ID, filter)
	if err != nil {
		return err
	}
	group := append(peers, *interaction)

	k, err := clusterInteractions(group, d.cfg.StateChangeDetector.DistanceType, d.cfg.StateChangeDetector.FieldForDistance)
	if err != nil {
		return err
	}

	key := statescan.ClusteringInfoKey{
		Host: interaction.Request.Endpoint.Host, Scheme: interaction.Request.Endpoint.Scheme,
		Path: interaction.Request.Endpoint.Path, Method: interaction.Request.Endpoint.Method, StateID: s.ID,
	}
	info, err := d.store.GetInteractionClusteringInfo(ctx, key)
	if err != nil {
		return err
	}
	prev := 1
	if info != nil {
		prev = info.ClusterCount
	}

	if k > prev {
		if err := d.triggerStateChange(ctx, s, interaction); err != nil {
			return err
		}
		if err := d.store.SetInteractionClusteringInfo(ctx, key, k); err != nil {
			return err
		}
	}
	return d.store.MarkInteractionClusteringProcessed(ctx, interaction.ID)
}

// triggerStateChange creates the successor state N and re-parents every
// endpoint/interaction created after interaction into it (§4.6 step 4).
func (d *StateChangeDetector) triggerStateChange(ctx context.Context, from *statescan.State, interaction *statescan.Interaction) error {
	n := &statescan.State{
		Batch:                 from.Batch,
		CreatedAt:             d.now(),
		Hash:                  d.hasher.RandomHash(),
		PreviousStateID:       from.ID,
		CausedByInteractionID: interaction.ID,
	}
	if err := d.store.AddState(ctx, n); err != nil {
		return err
	}
	log4go.Info("state-change detector: new state %v caused by interaction %v (from state %v)", n.ID, interaction.ID, from.ID)

	if err := d.store.UpdateEndpoints(ctx, interaction.CreatedAt, from.ID, n.ID); err != nil {
		if err == statescan.ErrStateCollapsedDuringReparent {
			log4go.Debug("state-change detector: %v collapsed before endpoint re-parent completed, leaving for next pass", n.ID)
			return nil
		}
		return err
	}
	if err := d.store.UpdateInteractions(ctx, interaction.CreatedAt, from.ID, n.ID); err != nil {
		if err == statescan.ErrStateCollapsedDuringReparent {
			log4go.Debug("state-change detector: %v collapsed before interaction re-parent completed, leaving for next pass", n.ID)
			return nil
		}
		return err
	}
	return nil
}

func clusterInteractions(group []statescan.Interaction, distType statescan.DistanceType, field []string) (int, error) {
	if distType == statescan.DistanceHash2Vec {
		points := make([][]float64, len(group))
		for i, it := range group {
			points[i] = lsh.Hash2Vec(fieldValue(&it, field))
		}
		result, err := cluster.Cluster(points, statescan.EPSSilhouette)
		if err != nil {
			return 0, err
		}
		return result.K, nil
	}
	result, err := cluster.ClusterByDistanceMatrix(len(group), func(i, j int) float64 {
		d, _ := lsh.Distance(distType, fieldValue(&group[i], field), fieldValue(&group[j], field))
		return d
	}, statescan.EPSSilhouette)
	if err != nil {
		return 0, err
	}
	return result.K, nil
}

// fieldValue resolves the closed FieldSelector-shaped path (§9: a dotted
// string lookup became a closed variant) against the one nested field the
// state-change detector actually needs: the interaction's hash, or the raw
// response body when field_for_distance names response.data.
func fieldValue(i *statescan.Interaction, field []string) string {
	if len(field) == 2 && field[0] == "response" && field[1] == "data" {
		return string(i.Response.Body)
	}
	return i.Hash
}
