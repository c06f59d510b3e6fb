package statescan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arborcrawl/statescan/lsh"
)

// EndpointHash computes the TLSH fingerprint of an endpoint per §3: TLSH of
// method‖scheme‖path‖found_at‖params-serialized, padded by h.
func EndpointHash(h *lsh.Hasher, e *Endpoint) (string, error) {
	var sb strings.Builder
	sb.WriteString(e.Method)
	sb.WriteString(e.Scheme)
	sb.WriteString(e.Path)
	sb.WriteString(strings.Join(e.FoundAt, "/"))
	sb.WriteString(serializeParameters(e.Parameters))
	return h.Hash([]byte(sb.String()))
}

func serializeParameters(params []Parameter) string {
	sorted := make([]Parameter, len(params))
	copy(sorted, params)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	var sb strings.Builder
	for _, p := range sorted {
		sb.WriteString(p.Name)
		sb.WriteByte('=')
		sb.WriteString(p.Value)
		sb.WriteByte('&')
	}
	return sb.String()
}

// InteractionHash computes the TLSH fingerprint of an interaction under the
// configured projection (§3): links-only, links-with-params, or
// whole-response, each a strict superset of the previous.
func InteractionHash(h *lsh.Hasher, proj InteractionProjection, i *Interaction) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s%s%s%d", i.Request.Endpoint.Method, i.Request.Endpoint.Scheme, i.Request.Endpoint.Path, i.Response.StatusCode)
	sb.WriteString(extractLinksAndForms(i.Response.Body))

	if proj == ProjectionLinksWithParams || proj == ProjectionWholeResponse {
		sb.WriteString(serializeParameters(i.Request.Endpoint.Parameters))
		sb.WriteString(serializeHeaders(i.Request.Headers))
	}
	if proj == ProjectionWholeResponse {
		sb.Write(i.Response.Body)
	}
	return h.Hash([]byte(sb.String()))
}

func serializeHeaders(headers map[string][]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strings.Join(headers[k], ","))
		sb.WriteByte('&')
	}
	return sb.String()
}
