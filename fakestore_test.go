package statescan

import (
	"context"
	"fmt"
	"sync"
)

// fakeStore is a minimal in-memory statescan.Store used to exercise the
// navigator and crawler against realistic state transitions without a live
// Mongo instance, mirroring the query shapes mongostore/records.go
// implements against the real document store.
type fakeStore struct {
	mu           sync.Mutex
	nextID       int
	endpoints    map[ObjectID]*Endpoint
	interactions map[ObjectID]*Interaction
	states       map[ObjectID]*State
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		endpoints:    map[ObjectID]*Endpoint{},
		interactions: map[ObjectID]*Interaction{},
		states:       map[ObjectID]*State{},
	}
}

func (s *fakeStore) newID() ObjectID {
	s.nextID++
	return ObjectID(fmt.Sprintf("id-%d", s.nextID))
}

func (s *fakeStore) AddEndpoint(ctx context.Context, e *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID.IsZero() {
		e.ID = s.newID()
	}
	cp := *e
	s.endpoints[e.ID] = &cp
	return nil
}

func (s *fakeStore) AddInteraction(ctx context.Context, i *Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i.ID.IsZero() {
		i.ID = s.newID()
	}
	cp := *i
	s.interactions[i.ID] = &cp
	return nil
}

func (s *fakeStore) AddState(ctx context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID.IsZero() {
		st.ID = s.newID()
	}
	cp := *st
	s.states[st.ID] = &cp
	return nil
}

func (s *fakeStore) GetInteraction(ctx context.Context, id ObjectID) (*Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.interactions[id]
	if !ok {
		return nil, fmt.Errorf("fakestore: interaction %v not found", id)
	}
	cp := *i
	return &cp, nil
}

func (s *fakeStore) GetCurrentState(ctx context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.Current {
			cp := *st
			return &cp, nil
		}
	}
	return nil, ErrNoCurrentState
}

func (s *fakeStore) GetCurrentStateID(ctx context.Context) (ObjectID, error) {
	st, err := s.GetCurrentState(ctx)
	if err != nil {
		return "", err
	}
	return st.ID, nil
}

func (s *fakeStore) GetState(ctx context.Context, id ObjectID) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil, fmt.Errorf("fakestore: state %v not found", id)
	}
	cp := *st
	return &cp, nil
}

func (s *fakeStore) UpdateCurrentState(ctx context.Context, id ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		st.Current = st.ID == id
	}
	return nil
}

func (s *fakeStore) MarkStateForRevisit(ctx context.Context, id ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.endpoints {
		if e.StateID == id {
			e.Visited = false
		}
	}
	if st, ok := s.states[id]; ok {
		st.Explored = false
		st.Revisits++
	}
	return nil
}

func (s *fakeStore) GetUnexploredEndpointsCount(ctx context.Context, stateID ObjectID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.endpoints {
		if e.StateID == stateID && e.AllowVisit && !e.Visited && e.Clean {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) GetUnexploredStateID(ctx context.Context) (ObjectID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if !st.Explored && !st.Collapsed {
			return st.ID, true, nil
		}
	}
	return "", false, nil
}

func (s *fakeStore) GetNonFuzzedStateID(ctx context.Context) (ObjectID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if !st.Fuzzed && !st.Collapsed {
			return st.ID, true, nil
		}
	}
	return "", false, nil
}

func (s *fakeStore) GetInitialStateID(ctx context.Context) (ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.Initial {
			return st.ID, nil
		}
	}
	return "", fmt.Errorf("fakestore: no initial state recorded")
}

func (s *fakeStore) GetSimilarEndpoints(ctx context.Context, e *Endpoint) ([]Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Endpoint
	for _, other := range s.endpoints {
		if other.Host == e.Host && other.Method == e.Method && other.Scheme == e.Scheme &&
			other.Path == e.Path && other.StateID == e.StateID {
			out = append(out, *other)
		}
	}
	return out, nil
}

func (s *fakeStore) GetSimilarInteractions(ctx context.Context, e *Endpoint, stateID ObjectID, filter InteractionFilter) ([]Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Interaction
	for _, i := range s.interactions {
		ep := i.Request.Endpoint
		if ep.Host != e.Host || ep.Method != e.Method || ep.Scheme != e.Scheme || ep.Path != e.Path || i.StateID != stateID {
			continue
		}
		if filter.ClusteringProcessed != nil && i.ClusteringProcessed != *filter.ClusteringProcessed {
			continue
		}
		if filter.MadeByFuzzer != nil && i.MadeByFuzzer != *filter.MadeByFuzzer {
			continue
		}
		out = append(out, *i)
	}
	return out, nil
}

func (s *fakeStore) UpdateEndpoints(ctx context.Context, afterTS int64, fromState, toState ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assertNotCollapsedLocked(toState); err != nil {
		return err
	}
	for _, e := range s.endpoints {
		if e.StateID == fromState && e.CreatedAt > afterTS {
			e.StateID = toState
			e.AllowVisit = true
			e.ClusteringProcessed = false
		}
	}
	return nil
}

func (s *fakeStore) UpdateInteractions(ctx context.Context, afterTS int64, fromState, toState ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assertNotCollapsedLocked(toState); err != nil {
		return err
	}
	for _, i := range s.interactions {
		if i.StateID == fromState && i.CreatedAt > afterTS {
			i.StateID = toState
		}
	}
	return nil
}

func (s *fakeStore) assertNotCollapsedLocked(id ObjectID) error {
	st, ok := s.states[id]
	if !ok {
		return fmt.Errorf("fakestore: state %v not found", id)
	}
	if st.Collapsed {
		return ErrStateCollapsedDuringReparent
	}
	return nil
}

func (s *fakeStore) GetFirstVisitableEndpoint(ctx context.Context, stateID ObjectID) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.endpoints {
		if e.StateID == stateID && e.Clean && e.AllowVisit && !e.Visited {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) MarkEndpointVisited(ctx context.Context, id ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.endpoints[id]; ok {
		e.Visited = true
	}
	return nil
}

func (s *fakeStore) GetResetEndpoint(ctx context.Context) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.endpoints {
		if e.IsReset {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetEndpointClusteringInfo(ctx context.Context, key ClusteringInfoKey) (*ClusteringInfo, error) {
	return nil, nil
}

func (s *fakeStore) SetEndpointClusteringInfo(ctx context.Context, key ClusteringInfoKey, clusterCount int) error {
	return nil
}

func (s *fakeStore) GetInteractionClusteringInfo(ctx context.Context, key ClusteringInfoKey) (*ClusteringInfo, error) {
	return nil, nil
}

func (s *fakeStore) SetInteractionClusteringInfo(ctx context.Context, key ClusteringInfoKey, clusterCount int) error {
	return nil
}

func (s *fakeStore) GetUnprocessedInteractionsForExtraction(ctx context.Context) ([]Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Interaction
	for _, i := range s.interactions {
		if !i.EndpointsProcessed {
			out = append(out, *i)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkInteractionEndpointsProcessed(ctx context.Context, id ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.interactions[id]; ok {
		i.EndpointsProcessed = true
	}
	return nil
}

func (s *fakeStore) GetUnprocessedEndpoints(ctx context.Context) ([]Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Endpoint
	for _, e := range s.endpoints {
		if !e.ClusteringProcessed {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkEndpointClusteringProcessed(ctx context.Context, id ObjectID, clean bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.endpoints[id]; ok {
		e.ClusteringProcessed = true
		e.Clean = clean
	}
	return nil
}

func (s *fakeStore) DeleteEndpoint(ctx context.Context, id ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, id)
	return nil
}

func (s *fakeStore) GetExploredNonCollapsedStates(ctx context.Context) ([]State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []State
	for _, st := range s.states {
		if st.Explored && !st.Collapsed {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *fakeStore) GetUnprocessedInteractions(ctx context.Context, stateID ObjectID, onlyFromFuzzer bool) ([]Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Interaction
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

func (s *fakeStore) MarkInteractionClusteringProcessed(ctx context.Context, id ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.interactions[id]; ok {
		i.ClusteringProcessed = true
	}
	return nil
}

func (s *fakeStore) GetExploredStates(ctx context.Context) ([]State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []State
	for _, st := range s.states {
		if st.Explored {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *fakeStore) GetDistinctNonFuzzerInteractionHashes(ctx context.Context, stateID ObjectID) ([]string, error) {
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

func (s *fakeStore) SetStateHash(ctx context.Context, id ObjectID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		st.Hash = hash
	}
	return nil
}

func (s *fakeStore) GetNonCollapsedStates(ctx context.Context) ([]State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []State
	for _, st := range s.states {
		if !st.Collapsed {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *fakeStore) ExtendStateReachability(ctx context.Context, stateID ObjectID, edges []ReachabilityEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[stateID]; ok {
		st.ReachableFrom = append(st.ReachableFrom, edges...)
	}
	return nil
}

func (s *fakeStore) MarkStatesCollapsedRecursively(ctx context.Context, id ObjectID) error {
	s.mu.Lock()
	var children []ObjectID
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

func (s *fakeStore) DeleteStatesRecursively(ctx context.Context, id ObjectID) error {
	s.mu.Lock()
	var children []ObjectID
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
	for eid, e := range s.endpoints {
		if e.StateID == id {
			delete(s.endpoints, eid)
		}
	}
	for iid, i := range s.interactions {
		if i.StateID == id {
			delete(s.interactions, iid)
		}
	}
	delete(s.states, id)
	return nil
}

func (s *fakeStore) UpdateStatesExploredStatus(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.Collapsed {
			continue
		}
		n := 0
		for _, e := range s.endpoints {
			if e.StateID == st.ID && e.AllowVisit && !e.Visited && e.Clean {
				n++
			}
		}
		st.Explored = n == 0
	}
	return nil
}

func (s *fakeStore) Close(ctx context.Context) error { return nil }

var _ Store = (*fakeStore)(nil)
