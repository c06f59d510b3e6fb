package statescan

import (
	"context"
	"fmt"

	"github.com/ccpaging/log4go"
)

// Navigator implements C9: picking the next target state and reconstructing
// the sequence of requests needed to reach it from the reset endpoint.
type Navigator struct {
	store       Store
	maxRevisits int
	reset       Endpoint
}

// NewNavigator constructs a Navigator, fetching and caching the batch's
// reset endpoint. Per §4.9, an absent reset endpoint is a fatal
// configuration error raised at construction, not discovered mid-run.
func NewNavigator(ctx context.Context, store Store, maxRevisits int) (*Navigator, error) {
	reset, err := store.GetResetEndpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("navigator: %w", err)
	}
	if reset == nil {
		return nil, ErrNoResetEndpoint
	}
	return &Navigator{store: store, maxRevisits: maxRevisits, reset: *reset}, nil
}

// Step performs one navigator pass per §4.9 and returns the navigation
// request stack to execute before the crawler attempts to generate a new
// request, already in execution order: the reset request first, then the
// chain of causing interactions from the initial state down to the target
// state. (§4.9 describes this as a LIFO stack popped reset-first; building
// it directly in execution order is equivalent and simpler for a caller that
// only ever drains it front to back.)
func (n *Navigator) Step(ctx context.Context) ([]Request, error) {
	if err := n.store.UpdateStatesExploredStatus(ctx); err != nil {
		return nil, err
	}

	current, err := n.store.GetCurrentState(ctx)
	if err != nil {
		return nil, err
	}

	next, err := n.pickNext(ctx, current)
	if err != nil {
		return nil, err
	}
	if next.IsZero() {
		log4go.Info("navigator: no unexplored or non-fuzzed state remains, crawling converged")
		return nil, ErrCrawlingConverged
	}

	if next != current.ID {
		if err := n.store.UpdateCurrentState(ctx, next); err != nil {
			return nil, err
		}
	}
	return n.buildRequestStack(ctx, next)
}

// pickNext implements §4.9 steps 2-4: stay on the current state while it has
// unexplored endpoints, revisit it up to maxRevisits times, then move to the
// first unexplored state or, failing that, the first non-fuzzed state.
func (n *Navigator) pickNext(ctx context.Context, current *State) (ObjectID, error) {
	unexplored, err := n.store.GetUnexploredEndpointsCount(ctx, current.ID)
	if err != nil {
		return "", err
	}
	if unexplored > 0 {
		return current.ID, nil
	}

	if current.Revisits < n.maxRevisits {
		if err := n.store.MarkStateForRevisit(ctx, current.ID); err != nil {
			return "", err
		}
		log4go.Fine("navigator: revisiting state %v (revisit %d/%d)", current.ID, current.Revisits+1, n.maxRevisits)
		return current.ID, nil
	}

	if id, ok, err := n.store.GetUnexploredStateID(ctx); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}
	if id, ok, err := n.store.GetNonFuzzedStateID(ctx); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}
	return "", nil
}

// buildRequestStack assembles the reset request followed by the chain of
// causing interactions from the initial state down to target, in reverse pop
// order (§4.9 step 6). If target is the initial state, the stack holds only
// the reset.
func (n *Navigator) buildRequestStack(ctx context.Context, target ObjectID) ([]Request, error) {
	stack := []Request{{Endpoint: n.reset}}

	chain, err := n.chainToInitial(ctx, target)
	if err != nil {
		return nil, err
	}
	// chain is ordered target -> ... -> initial; reverse it so the stack
	// executes initial -> ... -> target, with the reset popped first.
	for i := len(chain) - 1; i >= 0; i-- {
		stack = append(stack, chain[i])
	}
	return stack, nil
}

// chainToInitial walks previous_state_id back to the initial state,
// collecting the request for each causing interaction's endpoint along the
// way, ordered target -> ... -> initial.
func (n *Navigator) chainToInitial(ctx context.Context, target ObjectID) ([]Request, error) {
	var chain []Request
	stateID := target
	for {
		s, err := n.store.GetState(ctx, stateID)
		if err != nil {
			return nil, err
		}
		if s.Initial {
			return chain, nil
		}
		causingEndpoint, err := n.causingEndpoint(ctx, s)
		if err != nil {
			return nil, err
		}
		chain = append(chain, Request{Endpoint: causingEndpoint})
		stateID = s.PreviousStateID
	}
}

func (n *Navigator) causingEndpoint(ctx context.Context, s *State) (Endpoint, error) {
	interaction, err := n.store.GetInteraction(ctx, s.CausedByInteractionID)
	if err != nil {
		return Endpoint{}, fmt.Errorf("navigator: loading causing interaction for state %v: %w", s.ID, err)
	}
	return interaction.Request.Endpoint, nil
}
