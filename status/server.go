// Package status implements C12: the JSON status console the original app.py
// exposed over Flask, rebuilt on gorilla/mux the way the teacher's console
// package routes its own status endpoints.
package status

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ccpaging/log4go"

	"github.com/arborcrawl/statescan"
)

// Controller is the lifecycle surface /start and /stop drive. cmd/scanctl
// supplies the concrete implementation that owns the work manager goroutine.
type Controller interface {
	Start(batchName, targetURL string) (alreadyRunning bool, err error)
	Stop() (wasRunning bool)
	RunningBatch() (batch string, running bool)
}

// Server serves the status console against a single batch's Store.
type Server struct {
	controller Controller
	store      func() statescan.Store
	mux        *mux.Router
}

// New builds a Server. storeOf is consulted on every request so the
// /endpoints, /interactions and /state_graph routes always read whichever
// batch is currently running, even across a /start that swaps it.
func New(controller Controller, storeOf func() statescan.Store) *Server {
	s := &Server{controller: controller, store: storeOf, mux: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.Use(corsMiddleware)
	s.mux.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	s.mux.HandleFunc("/stop", s.handleStop).Methods(http.MethodGet)
	s.mux.HandleFunc("/endpoints", s.handleEndpoints).Methods(http.MethodGet)
	s.mux.HandleFunc("/interactions", s.handleInteractions).Methods(http.MethodGet)
	s.mux.HandleFunc("/state_graph", s.handleStateGraph).Methods(http.MethodGet)
}

// corsMiddleware allows every origin and header, matching the original's
// blanket after_request hook.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log4go.Error("status: encoding response: %v", err)
	}
}

type startRequest struct {
	BatchName string `json:"batch_name"`
	TargetURL string `json:"target_url"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	alreadyRunning, err := s.controller.Start(req.BatchName, req.TargetURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if alreadyRunning {
		batch, _ := s.controller.RunningBatch()
		writeJSON(w, map[string]string{"status": "Already running", "batch_name": batch})
		return
	}
	writeJSON(w, map[string]string{"status": "Started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.controller.Stop() {
		writeJSON(w, map[string]string{"status": "Killed"})
		return
	}
	writeJSON(w, map[string]string{"status": "Already stopped"})
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := s.store()
	if st == nil {
		writeJSON(w, map[string]int{"available": 0, "visited": 0})
		return
	}
	unprocessed, err := st.GetUnprocessedEndpoints(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	available := 0
	visited := 0
	for _, e := range unprocessed {
		if e.AllowVisit && e.Clean {
			available++
		}
		if e.Visited {
			visited++
		}
	}
	writeJSON(w, map[string]int{"available": available, "visited": visited})
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	st := s.store()
	if st == nil {
		writeJSON(w, map[string]int{"count": 0})
		return
	}
	states, err := st.GetExploredStates(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	count := 0
	for _, state := range states {
		interactions, err := st.GetUnprocessedInteractions(r.Context(), state.ID, false)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		count += len(interactions)
	}
	writeJSON(w, map[string]int{"count": count})
}

type graphNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type graphEdge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Label  string `json:"label"`
	Length int    `json:"length"`
	Font   struct {
		Align string `json:"align"`
	} `json:"font"`
	Arrows string `json:"arrows"`
}

type graphResponse struct {
	Nodes           []graphNode `json:"nodes"`
	Edges           []graphEdge `json:"edges"`
	CurrentStateID  string      `json:"current_state_id"`
}

// handleStateGraph builds the vis.js-shaped node/edge document (§4.12):
// one pass over the live states for nodes and caused-by edges, a second for
// the reachable_from cross edges left behind by state collapsing (C7).
func (s *Server) handleStateGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := s.store()
	if st == nil {
		writeJSON(w, graphResponse{})
		return
	}

	states, err := st.GetNonCollapsedStates(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	initialID, err := st.GetInitialStateID(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	currentID, err := st.GetCurrentStateID(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := graphResponse{CurrentStateID: string(currentID)}

	for _, state := range states {
		label := string(state.ID)
		if state.ID == initialID {
			label = "Initial state"
		}
		resp.Nodes = append(resp.Nodes, graphNode{ID: string(state.ID), Label: label})

		if state.CausedByInteractionID.IsZero() {
			continue
		}
		interaction, err := st.GetInteraction(ctx, state.CausedByInteractionID)
		if err != nil {
			continue
		}
		resp.Edges = append(resp.Edges, edgeFor(string(state.PreviousStateID), string(state.ID), interaction.Request.Endpoint))
	}

	for _, state := range states {
		for _, edge := range state.ReachableFrom {
			interaction, err := st.GetInteraction(ctx, edge.CausedByInteractionID)
			if err != nil {
				continue
			}
			resp.Edges = append(resp.Edges, edgeFor(string(edge.FromStateID), string(state.ID), interaction.Request.Endpoint))
		}
	}

	writeJSON(w, resp)
}

func edgeFor(from, to string, endpoint statescan.Endpoint) graphEdge {
	e := graphEdge{
		From:   from,
		To:     to,
		Label:  endpoint.Method + " " + endpoint.Path + " " + endpoint.ParametersAsString(),
		Length: 300,
		Arrows: "to",
	}
	e.Font.Align = "horizontal"
	return e
}
