package statescan

import "time"

// ObjectID is the opaque store primary key type used for every cross
// reference in this tree (state ids, interaction ids, ...). Using an opaque
// id rather than an in-memory pointer keeps the reachable_from cross edges
// (§9 design note on cyclic references) serializable and store-agnostic; the
// Mongo-backed store adapter is the only package that knows it is really a
// hex ObjectID string.
type ObjectID string

// IsZero reports whether the id has never been assigned.
func (id ObjectID) IsZero() bool { return id == "" }

// Parameter is a single named value, used both for an Endpoint's query
// parameters and a form's body data fields. Value is normalized to the empty
// string when the source document (an HTML input with no value attribute)
// omits it.
type Parameter struct {
	Name  string `bson:"name" json:"name"`
	Value string `bson:"value" json:"value"`
}

// Request is the outbound half of an Interaction: the endpoint it targeted
// plus whatever headers, cookies and body were actually sent.
type Request struct {
	Endpoint Endpoint            `bson:"endpoint" json:"endpoint"`
	Headers  map[string][]string `bson:"headers" json:"headers"`
	Cookies  map[string]string   `bson:"cookies" json:"cookies"`
	Body     []byte              `bson:"body" json:"body"`
}

// Response is the inbound half of an Interaction.
type Response struct {
	StatusCode int                 `bson:"status_code" json:"status_code"`
	Headers    map[string][]string `bson:"headers" json:"headers"`
	Body       []byte              `bson:"body" json:"body"`
	Elapsed    time.Duration       `bson:"elapsed" json:"elapsed"`
}

// Endpoint is a potential request target discovered by the extractor (C4).
// See spec §3 for the field-by-field rationale and the hash input order.
type Endpoint struct {
	ID        ObjectID `bson:"_id,omitempty" json:"id"`
	Batch     string   `bson:"batch" json:"batch"`
	CreatedAt int64    `bson:"created_at" json:"created_at"`
	Hash      string   `bson:"hash" json:"hash"`

	Scheme     string      `bson:"scheme" json:"scheme"`
	Host       string      `bson:"host" json:"host"`
	Path       string      `bson:"path" json:"path"`
	Method     string      `bson:"method" json:"method"`
	Parameters []Parameter `bson:"parameters" json:"parameters"`
	Data       []Parameter `bson:"data" json:"data"`
	// FoundAt is the reversed tuple of parent DOM element names: a stable
	// locator fingerprint for the position this endpoint was parsed from.
	FoundAt []string `bson:"found_at" json:"found_at"`

	StateID           ObjectID `bson:"state_id" json:"state_id"`
	FromInteractionID ObjectID `bson:"from_interaction_id,omitempty" json:"from_interaction_id,omitempty"`

	ClusteringProcessed bool `bson:"clustering_processed" json:"clustering_processed"`
	Clean               bool `bson:"clean" json:"clean"`
	Visited             bool `bson:"visited" json:"visited"`
	Scanned             bool `bson:"scanned" json:"scanned"`
	IsReset             bool `bson:"is_reset" json:"is_reset"`
	AllowVisit          bool `bson:"allow_visit" json:"allow_visit"`
}

// ParametersAsString renders the endpoint's query parameters in the
// "name=value&..." shape used for status-surface edge labels (§4.12).
func (e Endpoint) ParametersAsString() string {
	s := ""
	for i, p := range e.Parameters {
		if i > 0 {
			s += "&"
		}
		s += p.Name + "=" + p.Value
	}
	return s
}

// Visitable reports the §3 invariant directly: an endpoint is selected for
// visiting only when clean, allow_visit, not yet visited, and owned by the
// given current state.
func (e Endpoint) Visitable(currentState ObjectID) bool {
	return e.Clean && e.AllowVisit && !e.Visited && e.StateID == currentState
}

// InteractionProjection selects how much of a Request/Response pair
// contributes to an Interaction's hash (§3).
type InteractionProjection string

const (
	ProjectionLinksOnly       InteractionProjection = "links-only"
	ProjectionLinksWithParams InteractionProjection = "links-with-params"
	ProjectionWholeResponse   InteractionProjection = "whole-response"
)

// Interaction is the persisted record of one executed Request/Response pair.
type Interaction struct {
	ID        ObjectID `bson:"_id,omitempty" json:"id"`
	Batch     string   `bson:"batch" json:"batch"`
	CreatedAt int64    `bson:"created_at" json:"created_at"`
	Hash      string   `bson:"hash" json:"hash"`

	Request  Request  `bson:"request" json:"request"`
	Response Response `bson:"response" json:"response"`

	// StateID is the state the crawler believed itself to be in at the
	// moment this interaction executed. Only the state-change detector may
	// rewrite it, when re-parenting a suffix after a newly detected
	// transition (§4.6).
	StateID ObjectID `bson:"state_id" json:"state_id"`

	MadeByFuzzer        bool `bson:"made_by_fuzzer" json:"made_by_fuzzer"`
	EndpointsProcessed   bool `bson:"endpoints_processed" json:"endpoints_processed"`
	ClusteringProcessed  bool `bson:"clustering_processed" json:"clustering_processed"`
}

// ReachabilityEdge records that some state Y, which has since been collapsed
// or deleted, used to be reached by CausedByInteractionID from FromStateID.
// It is recorded on the surviving representative state's ReachableFrom slice
// by the collapser (C7).
type ReachabilityEdge struct {
	FromStateID            ObjectID `bson:"from_state_id" json:"from_state_id"`
	CausedByInteractionID  ObjectID `bson:"caused_by_interaction_id" json:"caused_by_interaction_id"`
}

// State is a latent application state inferred from clustered interactions.
type State struct {
	ID        ObjectID `bson:"_id,omitempty" json:"id"`
	Batch     string   `bson:"batch" json:"batch"`
	CreatedAt int64    `bson:"created_at" json:"created_at"`
	Hash      string   `bson:"hash" json:"hash"`

	PreviousStateID       ObjectID           `bson:"previous_state_id" json:"previous_state_id"`
	CausedByInteractionID ObjectID           `bson:"caused_by_interaction_id" json:"caused_by_interaction_id"`
	Revisits              int                `bson:"revisits" json:"revisits"`
	ReachableFrom         []ReachabilityEdge `bson:"reachable_from" json:"reachable_from"`

	Current   bool `bson:"current" json:"current"`
	Explored  bool `bson:"explored" json:"explored"`
	Collapsed bool `bson:"collapsed" json:"collapsed"`
	Fuzzed    bool `bson:"fuzzed" json:"fuzzed"`
	Initial   bool `bson:"initial" json:"initial"`
}

// ClusteringInfoKey identifies the peer group a watermark record belongs to.
type ClusteringInfoKey struct {
	Host    string   `bson:"host" json:"host"`
	Scheme  string   `bson:"scheme" json:"scheme"`
	Path    string   `bson:"path" json:"path"`
	Method  string   `bson:"method" json:"method"`
	StateID ObjectID `bson:"state_id" json:"state_id"`
	// FoundAt is populated only for endpoint-clustering watermarks, where it
	// narrows the peer group to a single locator (§ GLOSSARY "Peer group").
	FoundAt []string `bson:"found_at,omitempty" json:"found_at,omitempty"`
}

// ClusteringInfo is the monotone watermark C5/C6 consult to decide whether a
// new observation opened a new cluster.
type ClusteringInfo struct {
	ID           ObjectID          `bson:"_id,omitempty" json:"id"`
	Batch        string            `bson:"batch" json:"batch"`
	Key          ClusteringInfoKey `bson:"key" json:"key"`
	ClusterCount int               `bson:"cluster_count" json:"cluster_count"`
}
