package statescan

import (
	"context"
	"fmt"

	"github.com/arborcrawl/statescan/lsh"
)

// InteractionHandler implements C8: generating the next request to try in
// the current state, and executing any request (navigation or generated)
// against the shared session.
type InteractionHandler struct {
	store      Store
	session    *HTTPSession
	hasher     *lsh.Hasher
	projection InteractionProjection
	now        func() int64
}

func NewInteractionHandler(store Store, session *HTTPSession, hasher *lsh.Hasher, projection InteractionProjection, now func() int64) *InteractionHandler {
	if projection == "" {
		projection = ProjectionLinksOnly
	}
	return &InteractionHandler{store: store, session: session, hasher: hasher, projection: projection, now: now}
}

// Generate returns a Request for the first visitable endpoint in the current
// state, marking it visited. It returns ErrNoMoreEndpoints — a sentinel
// result, not a failure — when none remain.
func (h *InteractionHandler) Generate(ctx context.Context) (Request, error) {
	stateID, err := h.store.GetCurrentStateID(ctx)
	if err != nil {
		return Request{}, err
	}
	endpoint, err := h.store.GetFirstVisitableEndpoint(ctx, stateID)
	if err != nil {
		return Request{}, err
	}
	if endpoint == nil {
		return Request{}, ErrNoMoreEndpoints
	}
	if err := h.store.MarkEndpointVisited(ctx, endpoint.ID); err != nil {
		return Request{}, err
	}
	return Request{Endpoint: *endpoint}, nil
}

// Execute issues req through the shared session and, if save is true,
// persists the resulting Interaction tagged with the state the crawler
// believed itself to be in at call time (§4.8).
func (h *InteractionHandler) Execute(ctx context.Context, batch string, req Request, save, madeByFuzzer bool) (Response, error) {
	stateAtCall, err := h.store.GetCurrentStateID(ctx)
	if err != nil {
		return Response{}, err
	}

	resp, err := h.session.Execute(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("interaction handler: %w", err)
	}

	if !save {
		return resp, nil
	}

	interaction := &Interaction{
		Batch:        batch,
		CreatedAt:    h.now(),
		Request:      req,
		Response:     resp,
		StateID:      stateAtCall,
		MadeByFuzzer: madeByFuzzer,
	}
	hash, err := InteractionHash(h.hasher, h.projection, interaction)
	if err != nil {
		return resp, fmt.Errorf("interaction handler: hashing interaction: %w", err)
	}
	interaction.Hash = hash
	if err := h.store.AddInteraction(ctx, interaction); err != nil {
		return resp, fmt.Errorf("interaction handler: persisting interaction: %w", err)
	}
	return resp, nil
}
