package detect

import (
	"context"
	"fmt"
	"sync"

	"github.com/arborcrawl/statescan"
)

// fakeStore is a minimal in-memory statescan.Store, scoped to exactly the
// query shapes the three detectors in this package actually exercise;
// mirrors mongostore/records.go's semantics closely enough to drive
// realistic detector behavior without a live Mongo instance.
type fakeStore struct {
	mu                 sync.Mutex
	nextID             int
	endpoints          map[statescan.ObjectID]*statescan.Endpoint
	interactions       map[statescan.ObjectID]*statescan.Interaction
	states             map[statescan.ObjectID]*statescan.State
	endpointWatermark  map[string]*statescan.ClusteringInfo
	interactionWatermark map[string]*statescan.ClusteringInfo
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		endpoints:            map[statescan.ObjectID]*statescan.Endpoint{},
		interactions:         map[statescan.ObjectID]*statescan.Interaction{},
		states:               map[statescan.ObjectID]*statescan.State{},
		endpointWatermark:    map[string]*statescan.ClusteringInfo{},
		interactionWatermark: map[string]*statescan.ClusteringInfo{},
	}
}

func (s *fakeStore) newID() statescan.ObjectID {
	s.nextID++
	return statescan.ObjectID(fmt.Sprintf("id-%d", s.nextID))
}

func watermarkKey(k statescan.ClusteringInfoKey) string {
	return fmt.Sprintf("%v|%v|%v|%v|%v", k.Host, k.Scheme, k.Path, k.Method, k.StateID)
}

func (s *fakeStore) AddEndpoint(ctx context.Context, e *statescan.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID.IsZero() {
		e.ID = s.newID()
	}
	cp := *e
	s.endpoints[e.ID] = &cp
	return nil
}

func (s *fakeStore) AddInteraction(ctx context.Context, i *statescan.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i.ID.IsZero() {
		i.ID = s.newID()
	}
	cp := *i
	s.interactions[i.ID] = &cp
	return nil
}

func (s *fakeStore) AddState(ctx context.Context, st *statescan.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID.IsZero() {
		st.ID = s.newID()
	}
	cp := *st
	s.states[st.ID] = &cp
	return nil
}

func (s *fakeStore) GetInteraction(ctx context.Context, id statescan.ObjectID) (*statescan.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.interactions[id]
	if !ok {
		return nil, fmt.Errorf("fakestore: interaction %v not found", id)
	}
	cp := *i
	return &cp, nil
}

func (s *fakeStore) GetCurrentState(ctx context.Context) (*statescan.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.Current {
			cp := *st
			return &cp, nil
		}
	}
	return nil, statescan.ErrNoCurrentState
}

func (s *fakeStore) GetCurrentStateID(ctx context.Context) (statescan.ObjectID, error) {
	st, err := s.GetCurrentState(ctx)
	if err != nil {
		return "", err
	}
	return st.ID, nil
}

func (s *fakeStore) GetState(ctx context.Context, id statescan.ObjectID) (*statescan.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil, fmt.Errorf("fakestore: state %v not found", id)
	}
	cp := *st
	return &cp, nil
}

func (s *fakeStore) UpdateCurrentState(ctx context.Context, id statescan.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		st.Current = st.ID == id
	}
	return nil
}

func (s *fakeStore) MarkStateForRevisit(ctx context.Context, id statescan.ObjectID) error { return nil }

func (s *fakeStore) GetUnexploredEndpointsCount(ctx context.Context, stateID statescan.ObjectID) (int, error) {
	return 0, nil
}

func (s *fakeStore) GetUnexploredStateID(ctx context.Context) (statescan.ObjectID, bool, error) {
	return "", false, nil
}

func (s *fakeStore) GetNonFuzzedStateID(ctx context.Context) (statescan.ObjectID, bool, error) {
	return "", false, nil
}

func (s *fakeStore) GetInitialStateID(ctx context.Context) (statescan.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.Initial {
			return st.ID, nil
		}
	}
	return "", fmt.Errorf("fakestore: no initial state recorded")
}

// GetSimilarEndpoints mirrors mongostore's query exactly, including the self
// inclusion: it matches on host/method/scheme/path/state_id/found_at alone,
// with no _id exclusion, so a fresh endpoint always finds itself among its
// own "peers".
func (s *fakeStore) GetSimilarEndpoints(ctx context.Context, e *statescan.Endpoint) ([]statescan.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []statescan.Endpoint
	for _, other := range s.endpoints {
		if other.Host == e.Host && other.Method == e.Method && other.Scheme == e.Scheme &&
			other.Path == e.Path && other.StateID == e.StateID && equalFoundAt(other.FoundAt, e.FoundAt) {
			out = append(out, *other)
		}
	}
	return out, nil
}

func equalFoundAt(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *fakeStore) GetSimilarInteractions(ctx context.Context, e *statescan.Endpoint, stateID statescan.ObjectID, filter statescan.InteractionFilter) ([]statescan.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []statescan.Interaction
	for _, i := range s.interactions {
		ep := i.Request.Endpoint
		if ep.Host != e.Host || ep.Method != e.Method || ep.Scheme != e.Scheme || ep.Path != e.Path || i.StateID != stateID {
			continue
		}
		if filter.MadeByFuzzer != nil && i.MadeByFuzzer != *filter.MadeByFuzzer {
			continue
		}
		out = append(out, *i)
	}
	return out, nil
}

func (s *fakeStore) UpdateEndpoints(ctx context.Context, afterTS int64, fromState, toState statescan.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[toState]; ok && st.Collapsed {
		return statescan.ErrStateCollapsedDuringReparent
	}
	for _, e := range s.endpoints {
		if e.StateID == fromState && e.CreatedAt > afterTS {
			e.StateID = toState
		}
	}
	return nil
}

func (s *fakeStore) UpdateInteractions(ctx context.Context, afterTS int64, fromState, toState statescan.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[toState]; ok && st.Collapsed {
		return statescan.ErrStateCollapsedDuringReparent
	}
	for _, i := range s.interactions {
		if i.StateID == fromState && i.CreatedAt > afterTS {
			i.StateID = toState
		}
	}
	return nil
}

func (s *fakeStore) GetFirstVisitableEndpoint(ctx context.Context, stateID statescan.ObjectID) (*statescan.Endpoint, error) {
	return nil, nil
}

func (s *fakeStore) MarkEndpointVisited(ctx context.Context, id statescan.ObjectID) error { return nil }

func (s *fakeStore) GetResetEndpoint(ctx context.Context) (*statescan.Endpoint, error) { return nil, nil }

func (s *fakeStore) GetEndpointClusteringInfo(ctx context.Context, key statescan.ClusteringInfoKey) (*statescan.ClusteringInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ci, ok := s.endpointWatermark[watermarkKey(key)]
	if !ok {
		return nil, nil
	}
	cp := *ci
	return &cp, nil
}

func (s *fakeStore) SetEndpointClusteringInfo(ctx context.Context, key statescan.ClusteringInfoKey, clusterCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpointWatermark[watermarkKey(key)] = &statescan.ClusteringInfo{Key: key, ClusterCount: clusterCount}
	return nil
}

func (s *fakeStore) GetInteractionClusteringInfo(ctx context.Context, key statescan.ClusteringInfoKey) (*statescan.ClusteringInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ci, ok := s.interactionWatermark[watermarkKey(key)]
	if !ok {
		return nil, nil
	}
	cp := *ci
	return &cp, nil
}

func (s *fakeStore) SetInteractionClusteringInfo(ctx context.Context, key statescan.ClusteringInfoKey, clusterCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactionWatermark[watermarkKey(key)] = &statescan.ClusteringInfo{Key: key, ClusterCount: clusterCount}
	return nil
}

func (s *fakeStore) GetUnprocessedInteractionsForExtraction(ctx context.Context) ([]statescan.Interaction, error) {
	return nil, nil
}

func (s *fakeStore) MarkInteractionEndpointsProcessed(ctx context.Context, id statescan.ObjectID) error {
	return nil
}

func (s *fakeStore) GetUnprocessedEndpoints(ctx context.Context) ([]statescan.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []statescan.Endpoint
	for _, e := range s.endpoints {
		if !e.ClusteringProcessed {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkEndpointClusteringProcessed(ctx context.Context, id statescan.ObjectID, clean bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.endpoints[id]; ok {
		e.ClusteringProcessed = true
		e.Clean = clean
	}
	return nil
}

func (s *fakeStore) DeleteEndpoint(ctx context.Context, id statescan.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, id)
	return nil
}

func (s *fakeStore) GetExploredNonCollapsedStates(ctx context.Context) ([]statescan.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []statescan.State
	for _, st := range s.states {
		if st.Explored && !st.Collapsed {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *fakeStore) GetUnprocessedInteractions(ctx context.Context, stateID statescan.ObjectID, onlyFromFuzzer bool) ([]statescan.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []statescan.Interaction
	for _, i := range s.interactions {
		if i.StateID != stateID || i.ClusteringProcessed {
			continue
		}
		if onlyFromFuzzer && !i.MadeByFuzzer {
			continue
		}
		out = append(out, *i)
	}
	return out, nil
}

func (s *fakeStore) MarkInteractionClusteringProcessed(ctx context.Context, id statescan.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.interactions[id]; ok {
		i.ClusteringProcessed = true
	}
	return nil
}

func (s *fakeStore) GetExploredStates(ctx context.Context) ([]statescan.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []statescan.State
	for _, st := range s.states {
		if st.Explored {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *fakeStore) GetDistinctNonFuzzerInteractionHashes(ctx context.Context, stateID statescan.ObjectID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, i := range s.interactions {
		if i.StateID == stateID && !i.MadeByFuzzer && !seen[i.Hash] {
			seen[i.Hash] = true
			out = append(out, i.Hash)
		}
	}
	return out, nil
}

func (s *fakeStore) SetStateHash(ctx context.Context, id statescan.ObjectID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		st.Hash = hash
	}
	return nil
}

func (s *fakeStore) GetNonCollapsedStates(ctx context.Context) ([]statescan.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []statescan.State
	for _, st := range s.states {
		if !st.Collapsed {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *fakeStore) ExtendStateReachability(ctx context.Context, stateID statescan.ObjectID, edges []statescan.ReachabilityEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[stateID]; ok {
		st.ReachableFrom = append(st.ReachableFrom, edges...)
	}
	return nil
}

func (s *fakeStore) MarkStatesCollapsedRecursively(ctx context.Context, id statescan.ObjectID) error {
	s.mu.Lock()
	var children []statescan.ObjectID
	for _, st := range s.states {
		if st.PreviousStateID == id {
			children = append(children, st.ID)
		}
	}
	s.mu.Unlock()
	for _, child := range children {
		if err := s.MarkStatesCollapsedRecursively(ctx, child); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		st.Collapsed = true
	}
	return nil
}

func (s *fakeStore) DeleteStatesRecursively(ctx context.Context, id statescan.ObjectID) error {
	s.mu.Lock()
	var children []statescan.ObjectID
	for _, st := range s.states {
		if st.PreviousStateID == id {
			children = append(children, st.ID)
		}
	}
	s.mu.Unlock()
	for _, child := range children {
		if err := s.DeleteStatesRecursively(ctx, child); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

func (s *fakeStore) UpdateStatesExploredStatus(ctx context.Context) error { return nil }

func (s *fakeStore) Close(ctx context.Context) error { return nil }

var _ statescan.Store = (*fakeStore)(nil)
