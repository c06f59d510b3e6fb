package statescan

import "context"

// Store hides the document store behind the typed accessors the core needs
// (§4.3). It is the Go analog of the teacher's Datastore interface, widened
// to the operations the Python original's MongoHelper exposes. Individual
// operations are atomic; there are no multi-document transactions, and every
// detector built against this interface is written to tolerate the staleness
// that implies (§5).
type Store interface {
	AddEndpoint(ctx context.Context, e *Endpoint) error
	AddInteraction(ctx context.Context, i *Interaction) error
	AddState(ctx context.Context, s *State) error
	GetInteraction(ctx context.Context, id ObjectID) (*Interaction, error)

	GetCurrentState(ctx context.Context) (*State, error)
	GetCurrentStateID(ctx context.Context) (ObjectID, error)
	GetState(ctx context.Context, id ObjectID) (*State, error)
	UpdateCurrentState(ctx context.Context, id ObjectID) error

	// MarkStateForRevisit flips every endpoint owned by the state back to
	// unvisited, so the next navigator pass treats it as freshly discovered.
	MarkStateForRevisit(ctx context.Context, id ObjectID) error

	GetUnexploredEndpointsCount(ctx context.Context, stateID ObjectID) (int, error)
	GetUnexploredStateID(ctx context.Context) (ObjectID, bool, error)
	GetNonFuzzedStateID(ctx context.Context) (ObjectID, bool, error)
	GetInitialStateID(ctx context.Context) (ObjectID, error)

	// GetSimilarEndpoints returns the peer group of e: endpoints matching on
	// scheme, host, method, path, state_id and found_at.
	GetSimilarEndpoints(ctx context.Context, e *Endpoint) ([]Endpoint, error)

	// GetSimilarInteractions returns the peer group for endpoint e within
	// stateID: interactions matching on scheme, host, method, path, state_id,
	// additionally filtered by the processed/fuzzed flags.
	GetSimilarInteractions(ctx context.Context, e *Endpoint, stateID ObjectID, filter InteractionFilter) ([]Interaction, error)

	// UpdateEndpoints and UpdateInteractions re-parent every record owned by
	// fromState with CreatedAt > afterTS to toState (§4.6 step 4). They must
	// re-validate toState is not collapsed immediately before the write
	// (§9's resolved open question) and report ErrStateCollapsedDuringReparent
	// if it has been.
	UpdateEndpoints(ctx context.Context, afterTS int64, fromState, toState ObjectID) error
	UpdateInteractions(ctx context.Context, afterTS int64, fromState, toState ObjectID) error

	GetFirstVisitableEndpoint(ctx context.Context, stateID ObjectID) (*Endpoint, error)
	MarkEndpointVisited(ctx context.Context, id ObjectID) error
	GetResetEndpoint(ctx context.Context) (*Endpoint, error)

	GetEndpointClusteringInfo(ctx context.Context, key ClusteringInfoKey) (*ClusteringInfo, error)
	SetEndpointClusteringInfo(ctx context.Context, key ClusteringInfoKey, clusterCount int) error
	GetInteractionClusteringInfo(ctx context.Context, key ClusteringInfoKey) (*ClusteringInfo, error)
	SetInteractionClusteringInfo(ctx context.Context, key ClusteringInfoKey, clusterCount int) error

	GetUnprocessedInteractionsForExtraction(ctx context.Context) ([]Interaction, error)
	MarkInteractionEndpointsProcessed(ctx context.Context, id ObjectID) error

	GetUnprocessedEndpoints(ctx context.Context) ([]Endpoint, error)
	MarkEndpointClusteringProcessed(ctx context.Context, id ObjectID, clean bool) error
	DeleteEndpoint(ctx context.Context, id ObjectID) error

	GetExploredNonCollapsedStates(ctx context.Context) ([]State, error)
	GetUnprocessedInteractions(ctx context.Context, stateID ObjectID, onlyFromFuzzer bool) ([]Interaction, error)
	MarkInteractionClusteringProcessed(ctx context.Context, id ObjectID) error

	GetExploredStates(ctx context.Context) ([]State, error)
	GetDistinctNonFuzzerInteractionHashes(ctx context.Context, stateID ObjectID) ([]string, error)
	SetStateHash(ctx context.Context, id ObjectID, hash string) error

	GetNonCollapsedStates(ctx context.Context) ([]State, error)
	ExtendStateReachability(ctx context.Context, stateID ObjectID, edges []ReachabilityEdge) error
	MarkStatesCollapsedRecursively(ctx context.Context, id ObjectID) error
	DeleteStatesRecursively(ctx context.Context, id ObjectID) error

	UpdateStatesExploredStatus(ctx context.Context) error

	// Close releases any underlying connection. Safe to call once, at batch
	// shutdown.
	Close(ctx context.Context) error
}

// InteractionFilter narrows GetSimilarInteractions to a subset by processing
// and fuzzer-origin flags, mirroring the original's {processed, fuzzed} kwargs.
type InteractionFilter struct {
	ClusteringProcessed *bool
	MadeByFuzzer        *bool
}
