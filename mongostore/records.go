package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/arborcrawl/statescan"
)

func (s *Store) AddEndpoint(ctx context.Context, e *statescan.Endpoint) error {
	e.Batch = s.batch
	if e.ID.IsZero() {
		e.ID = newID()
	}
	_, err := s.endpoints.InsertOne(ctx, e)
	if err != nil {
		return fmt.Errorf("mongostore: adding endpoint: %w", err)
	}
	return nil
}

func (s *Store) AddInteraction(ctx context.Context, i *statescan.Interaction) error {
	i.Batch = s.batch
	if i.ID.IsZero() {
		i.ID = newID()
	}
	_, err := s.interactions.InsertOne(ctx, i)
	if err != nil {
		return fmt.Errorf("mongostore: adding interaction: %w", err)
	}
	return nil
}

func (s *Store) AddState(ctx context.Context, st *statescan.State) error {
	st.Batch = s.batch
	if st.ID.IsZero() {
		st.ID = newID()
	}
	_, err := s.states.InsertOne(ctx, st)
	if err != nil {
		return fmt.Errorf("mongostore: adding state: %w", err)
	}
	return nil
}

func (s *Store) GetInteraction(ctx context.Context, id statescan.ObjectID) (*statescan.Interaction, error) {
	var i statescan.Interaction
	err := s.interactions.FindOne(ctx, s.scope(bson.M{"_id": id})).Decode(&i)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("mongostore: interaction %v not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: loading interaction %v: %w", id, err)
	}
	return &i, nil
}

func (s *Store) GetCurrentState(ctx context.Context) (*statescan.State, error) {
	var st statescan.State
	err := s.states.FindOne(ctx, s.scope(bson.M{"current": true})).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, statescan.ErrNoCurrentState
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: loading current state: %w", err)
	}
	return &st, nil
}

func (s *Store) GetCurrentStateID(ctx context.Context) (statescan.ObjectID, error) {
	st, err := s.GetCurrentState(ctx)
	if err != nil {
		return "", err
	}
	return st.ID, nil
}

func (s *Store) GetState(ctx context.Context, id statescan.ObjectID) (*statescan.State, error) {
	var st statescan.State
	err := s.states.FindOne(ctx, s.scope(bson.M{"_id": id})).Decode(&st)
	if err != nil {
		return nil, fmt.Errorf("mongostore: loading state %v: %w", id, err)
	}
	return &st, nil
}

func (s *Store) UpdateCurrentState(ctx context.Context, id statescan.ObjectID) error {
	if _, err := s.states.UpdateMany(ctx, s.scope(bson.M{"current": true}), bson.M{"$set": bson.M{"current": false}}); err != nil {
		return fmt.Errorf("mongostore: clearing current state: %w", err)
	}
	if _, err := s.states.UpdateOne(ctx, s.scope(bson.M{"_id": id}), bson.M{"$set": bson.M{"current": true}}); err != nil {
		return fmt.Errorf("mongostore: marking state %v current: %w", id, err)
	}
	return nil
}

func (s *Store) MarkStateForRevisit(ctx context.Context, id statescan.ObjectID) error {
	if _, err := s.endpoints.UpdateMany(ctx, s.scope(bson.M{"state_id": id}), bson.M{"$set": bson.M{"visited": false}}); err != nil {
		return fmt.Errorf("mongostore: resetting endpoints of state %v: %w", id, err)
	}
	if _, err := s.states.UpdateOne(ctx, s.scope(bson.M{"_id": id}), bson.M{
		"$set": bson.M{"explored": false},
		"$inc": bson.M{"revisits": 1},
	}); err != nil {
		return fmt.Errorf("mongostore: marking state %v for revisit: %w", id, err)
	}
	return nil
}

func (s *Store) GetUnexploredEndpointsCount(ctx context.Context, stateID statescan.ObjectID) (int, error) {
	n, err := s.endpoints.CountDocuments(ctx, s.scope(bson.M{
		"state_id":    stateID,
		"allow_visit": true,
		"visited":     false,
		"clean":       true,
	}))
	if err != nil {
		return 0, fmt.Errorf("mongostore: counting unexplored endpoints of state %v: %w", stateID, err)
	}
	return int(n), nil
}

func (s *Store) GetUnexploredStateID(ctx context.Context) (statescan.ObjectID, bool, error) {
	return s.findOneStateID(ctx, bson.M{"explored": false, "collapsed": false})
}

func (s *Store) GetNonFuzzedStateID(ctx context.Context) (statescan.ObjectID, bool, error) {
	return s.findOneStateID(ctx, bson.M{"fuzzed": false, "collapsed": false})
}

func (s *Store) findOneStateID(ctx context.Context, filter bson.M) (statescan.ObjectID, bool, error) {
	var st statescan.State
	err := s.states.FindOne(ctx, s.scope(filter)).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("mongostore: finding state matching %v: %w", filter, err)
	}
	return st.ID, true, nil
}

func (s *Store) GetInitialStateID(ctx context.Context) (statescan.ObjectID, error) {
	id, ok, err := s.findOneStateID(ctx, bson.M{"initial": true})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("mongostore: no initial state recorded for batch %v", s.batch)
	}
	return id, nil
}

func (s *Store) GetSimilarEndpoints(ctx context.Context, e *statescan.Endpoint) ([]statescan.Endpoint, error) {
	cur, err := s.endpoints.Find(ctx, s.scope(bson.M{
		"host":     e.Host,
		"method":   e.Method,
		"scheme":   e.Scheme,
		"path":     e.Path,
		"state_id": e.StateID,
		"found_at": e.FoundAt,
	}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: finding similar endpoints: %w", err)
	}
	var out []statescan.Endpoint
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongostore: decoding similar endpoints: %w", err)
	}
	return out, nil
}

func (s *Store) GetSimilarInteractions(ctx context.Context, e *statescan.Endpoint, stateID statescan.ObjectID, filter statescan.InteractionFilter) ([]statescan.Interaction, error) {
	query := bson.M{
		"request.endpoint.host":   e.Host,
		"request.endpoint.method": e.Method,
		"request.endpoint.scheme": e.Scheme,
		"request.endpoint.path":   e.Path,
		"state_id":                stateID,
	}
	if filter.ClusteringProcessed != nil {
		query["clustering_processed"] = *filter.ClusteringProcessed
	}
	if filter.MadeByFuzzer != nil {
		query["made_by_fuzzer"] = *filter.MadeByFuzzer
	}
	cur, err := s.interactions.Find(ctx, s.scope(query))
	if err != nil {
		return nil, fmt.Errorf("mongostore: finding similar interactions: %w", err)
	}
	var out []statescan.Interaction
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongostore: decoding similar interactions: %w", err)
	}
	return out, nil
}

// UpdateEndpoints re-parents every matching endpoint to toState, re-checking
// toState has not itself been collapsed in the meantime (§9 resolved open
// question on the C6/C7 race).
func (s *Store) UpdateEndpoints(ctx context.Context, afterTS int64, fromState, toState statescan.ObjectID) error {
	if err := s.assertNotCollapsed(ctx, toState); err != nil {
		return err
	}
	_, err := s.endpoints.UpdateMany(ctx, s.scope(bson.M{
		"state_id":   fromState,
		"created_at": bson.M{"$gt": afterTS},
	}), bson.M{"$set": bson.M{
		"state_id":             toState,
		"allow_visit":          true,
		"clustering_processed": false,
	}})
	if err != nil {
		return fmt.Errorf("mongostore: re-parenting endpoints from %v to %v: %w", fromState, toState, err)
	}
	return nil
}

func (s *Store) UpdateInteractions(ctx context.Context, afterTS int64, fromState, toState statescan.ObjectID) error {
	if err := s.assertNotCollapsed(ctx, toState); err != nil {
		return err
	}
	_, err := s.interactions.UpdateMany(ctx, s.scope(bson.M{
		"state_id":   fromState,
		"created_at": bson.M{"$gt": afterTS},
	}), bson.M{"$set": bson.M{"state_id": toState}})
	if err != nil {
		return fmt.Errorf("mongostore: re-parenting interactions from %v to %v: %w", fromState, toState, err)
	}
	return nil
}

func (s *Store) assertNotCollapsed(ctx context.Context, stateID statescan.ObjectID) error {
	st, err := s.GetState(ctx, stateID)
	if err != nil {
		return err
	}
	if st.Collapsed {
		return statescan.ErrStateCollapsedDuringReparent
	}
	return nil
}

func (s *Store) GetFirstVisitableEndpoint(ctx context.Context, stateID statescan.ObjectID) (*statescan.Endpoint, error) {
	var e statescan.Endpoint
	err := s.endpoints.FindOne(ctx, s.scope(bson.M{
		"state_id":    stateID,
		"clean":       true,
		"allow_visit": true,
		"visited":     false,
	})).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: finding visitable endpoint in state %v: %w", stateID, err)
	}
	return &e, nil
}

func (s *Store) MarkEndpointVisited(ctx context.Context, id statescan.ObjectID) error {
	_, err := s.endpoints.UpdateOne(ctx, s.scope(bson.M{"_id": id}), bson.M{"$set": bson.M{"visited": true}})
	if err != nil {
		return fmt.Errorf("mongostore: marking endpoint %v visited: %w", id, err)
	}
	return nil
}

func (s *Store) GetResetEndpoint(ctx context.Context) (*statescan.Endpoint, error) {
	var e statescan.Endpoint
	err := s.endpoints.FindOne(ctx, s.scope(bson.M{"is_reset": true})).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: finding reset endpoint: %w", err)
	}
	return &e, nil
}

func clusteringInfoFilter(key statescan.ClusteringInfoKey) bson.M {
	f := bson.M{
		"key.host":     key.Host,
		"key.scheme":   key.Scheme,
		"key.path":     key.Path,
		"key.method":   key.Method,
		"key.state_id": key.StateID,
	}
	if key.FoundAt != nil {
		f["key.found_at"] = key.FoundAt
	}
	return f
}

func (s *Store) GetEndpointClusteringInfo(ctx context.Context, key statescan.ClusteringInfoKey) (*statescan.ClusteringInfo, error) {
	return s.getClusteringInfo(ctx, s.endpointClustering, key)
}

func (s *Store) SetEndpointClusteringInfo(ctx context.Context, key statescan.ClusteringInfoKey, clusterCount int) error {
	return s.setClusteringInfo(ctx, s.endpointClustering, key, clusterCount)
}

func (s *Store) GetInteractionClusteringInfo(ctx context.Context, key statescan.ClusteringInfoKey) (*statescan.ClusteringInfo, error) {
	return s.getClusteringInfo(ctx, s.interactionClustering, key)
}

func (s *Store) SetInteractionClusteringInfo(ctx context.Context, key statescan.ClusteringInfoKey, clusterCount int) error {
	return s.setClusteringInfo(ctx, s.interactionClustering, key, clusterCount)
}

func (s *Store) getClusteringInfo(ctx context.Context, coll *mongo.Collection, key statescan.ClusteringInfoKey) (*statescan.ClusteringInfo, error) {
	var ci statescan.ClusteringInfo
	err := coll.FindOne(ctx, s.scope(clusteringInfoFilter(key))).Decode(&ci)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: loading clustering watermark for %+v: %w", key, err)
	}
	return &ci, nil
}

func (s *Store) setClusteringInfo(ctx context.Context, coll *mongo.Collection, key statescan.ClusteringInfoKey, clusterCount int) error {
	existing, err := s.getClusteringInfo(ctx, coll, key)
	if err != nil {
		return err
	}
	if existing != nil {
		_, err := coll.UpdateOne(ctx, s.scope(bson.M{"_id": existing.ID}), bson.M{"$set": bson.M{"cluster_count": clusterCount}})
		if err != nil {
			return fmt.Errorf("mongostore: updating clustering watermark for %+v: %w", key, err)
		}
		return nil
	}
	ci := statescan.ClusteringInfo{ID: newID(), Batch: s.batch, Key: key, ClusterCount: clusterCount}
	if _, err := coll.InsertOne(ctx, ci); err != nil {
		return fmt.Errorf("mongostore: inserting clustering watermark for %+v: %w", key, err)
	}
	return nil
}

func (s *Store) GetUnprocessedInteractionsForExtraction(ctx context.Context) ([]statescan.Interaction, error) {
	cur, err := s.interactions.Find(ctx, s.scope(bson.M{"endpoints_processed": false}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: finding unprocessed interactions for extraction: %w", err)
	}
	var out []statescan.Interaction
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongostore: decoding unprocessed interactions: %w", err)
	}
	return out, nil
}

func (s *Store) MarkInteractionEndpointsProcessed(ctx context.Context, id statescan.ObjectID) error {
	_, err := s.interactions.UpdateOne(ctx, s.scope(bson.M{"_id": id}), bson.M{"$set": bson.M{"endpoints_processed": true}})
	if err != nil {
		return fmt.Errorf("mongostore: marking interaction %v endpoints processed: %w", id, err)
	}
	return nil
}

func (s *Store) GetUnprocessedEndpoints(ctx context.Context) ([]statescan.Endpoint, error) {
	cur, err := s.endpoints.Find(ctx, s.scope(bson.M{"clustering_processed": false}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: finding unprocessed endpoints: %w", err)
	}
	var out []statescan.Endpoint
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongostore: decoding unprocessed endpoints: %w", err)
	}
	return out, nil
}

func (s *Store) MarkEndpointClusteringProcessed(ctx context.Context, id statescan.ObjectID, clean bool) error {
	_, err := s.endpoints.UpdateOne(ctx, s.scope(bson.M{"_id": id}), bson.M{"$set": bson.M{
		"clustering_processed": true,
		"clean":                clean,
	}})
	if err != nil {
		return fmt.Errorf("mongostore: marking endpoint %v clustering processed: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteEndpoint(ctx context.Context, id statescan.ObjectID) error {
	_, err := s.endpoints.DeleteOne(ctx, s.scope(bson.M{"_id": id}))
	if err != nil {
		return fmt.Errorf("mongostore: deleting endpoint %v: %w", id, err)
	}
	return nil
}

func (s *Store) GetExploredNonCollapsedStates(ctx context.Context) ([]statescan.State, error) {
	return s.findStates(ctx, bson.M{"explored": true, "collapsed": false})
}

func (s *Store) GetExploredStates(ctx context.Context) ([]statescan.State, error) {
	return s.findStates(ctx, bson.M{"explored": true})
}

func (s *Store) GetNonCollapsedStates(ctx context.Context) ([]statescan.State, error) {
	return s.findStates(ctx, bson.M{"collapsed": false})
}

func (s *Store) findStates(ctx context.Context, filter bson.M) ([]statescan.State, error) {
	cur, err := s.states.Find(ctx, s.scope(filter))
	if err != nil {
		return nil, fmt.Errorf("mongostore: finding states matching %v: %w", filter, err)
	}
	var out []statescan.State
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongostore: decoding states: %w", err)
	}
	return out, nil
}

func (s *Store) GetUnprocessedInteractions(ctx context.Context, stateID statescan.ObjectID, onlyFromFuzzer bool) ([]statescan.Interaction, error) {
	query := bson.M{"state_id": stateID, "clustering_processed": false}
	if onlyFromFuzzer {
		query["made_by_fuzzer"] = true
	}
	cur, err := s.interactions.Find(ctx, s.scope(query))
	if err != nil {
		return nil, fmt.Errorf("mongostore: finding unprocessed interactions in state %v: %w", stateID, err)
	}
	var out []statescan.Interaction
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongostore: decoding unprocessed interactions: %w", err)
	}
	return out, nil
}

func (s *Store) MarkInteractionClusteringProcessed(ctx context.Context, id statescan.ObjectID) error {
	_, err := s.interactions.UpdateOne(ctx, s.scope(bson.M{"_id": id}), bson.M{"$set": bson.M{"clustering_processed": true}})
	if err != nil {
		return fmt.Errorf("mongostore: marking interaction %v clustering processed: %w", id, err)
	}
	return nil
}

func (s *Store) GetDistinctNonFuzzerInteractionHashes(ctx context.Context, stateID statescan.ObjectID) ([]string, error) {
	raw, err := s.interactions.Distinct(ctx, "hash", s.scope(bson.M{"state_id": stateID, "made_by_fuzzer": false}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: collecting distinct interaction hashes for state %v: %w", stateID, err)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if h, ok := v.(string); ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *Store) SetStateHash(ctx context.Context, id statescan.ObjectID, hash string) error {
	_, err := s.states.UpdateOne(ctx, s.scope(bson.M{"_id": id}), bson.M{"$set": bson.M{"hash": hash}})
	if err != nil {
		return fmt.Errorf("mongostore: setting hash for state %v: %w", id, err)
	}
	return nil
}

func (s *Store) ExtendStateReachability(ctx context.Context, stateID statescan.ObjectID, edges []statescan.ReachabilityEdge) error {
	for _, edge := range edges {
		_, err := s.states.UpdateOne(ctx, s.scope(bson.M{"_id": stateID}), bson.M{"$push": bson.M{"reachable_from": edge}})
		if err != nil {
			return fmt.Errorf("mongostore: extending reachability of state %v: %w", stateID, err)
		}
	}
	return nil
}

func (s *Store) MarkStatesCollapsedRecursively(ctx context.Context, id statescan.ObjectID) error {
	children, err := s.findStates(ctx, bson.M{"previous_state_id": id})
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.MarkStatesCollapsedRecursively(ctx, child.ID); err != nil {
			return err
		}
	}
	_, err = s.states.UpdateOne(ctx, s.scope(bson.M{"_id": id}), bson.M{"$set": bson.M{"collapsed": true}})
	if err != nil {
		return fmt.Errorf("mongostore: marking state %v collapsed: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteStatesRecursively(ctx context.Context, id statescan.ObjectID) error {
	children, err := s.findStates(ctx, bson.M{"previous_state_id": id})
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.DeleteStatesRecursively(ctx, child.ID); err != nil {
			return err
		}
	}
	if _, err := s.interactions.DeleteMany(ctx, s.scope(bson.M{"state_id": id})); err != nil {
		return fmt.Errorf("mongostore: deleting interactions of state %v: %w", id, err)
	}
	if _, err := s.endpoints.DeleteMany(ctx, s.scope(bson.M{"state_id": id})); err != nil {
		return fmt.Errorf("mongostore: deleting endpoints of state %v: %w", id, err)
	}
	if _, err := s.states.DeleteOne(ctx, s.scope(bson.M{"_id": id})); err != nil {
		return fmt.Errorf("mongostore: deleting state %v: %w", id, err)
	}
	return nil
}

func (s *Store) UpdateStatesExploredStatus(ctx context.Context) error {
	states, err := s.findStates(ctx, bson.M{"collapsed": false})
	if err != nil {
		return err
	}
	for _, st := range states {
		n, err := s.GetUnexploredEndpointsCount(ctx, st.ID)
		if err != nil {
			return err
		}
		explored := n == 0
		if _, err := s.states.UpdateOne(ctx, s.scope(bson.M{"_id": st.ID}), bson.M{"$set": bson.M{"explored": explored}}); err != nil {
			return fmt.Errorf("mongostore: updating explored status of state %v: %w", st.ID, err)
		}
	}
	return nil
}

var _ statescan.Store = (*Store)(nil)
