// Package extract implements the endpoint extractor (C4): turning an
// interaction's response body into candidate endpoints. The tokenizer walk
// is grounded in the teacher crawler's parse.go, generalized from generic
// outlink harvesting to the <a>/<form>/redirect extraction §4.4 specifies.
package extract

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/purell"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/ccpaging/log4go"

	"github.com/arborcrawl/statescan"
	"github.com/arborcrawl/statescan/lsh"
)

// Options configures a single extraction pass.
type Options struct {
	RestrictHost bool
	IgnoreList   map[string]bool
}

// Extractor implements C4 over a Store, driving the
// {endpoints_processed:false} → {endpoints_processed:true} sweep.
type Extractor struct {
	opts   Options
	store  statescan.Store
	hasher *lsh.Hasher
	batch  string
	now    func() int64
}

// New builds an Extractor. now supplies the monotone-wallclock CreatedAt
// timestamp (ms) for every endpoint it persists; production callers pass a
// function backed by time.Now, tests pass a deterministic counter.
func New(opts Options, store statescan.Store, hasher *lsh.Hasher, batch string, now func() int64) *Extractor {
	if opts.IgnoreList == nil {
		opts.IgnoreList = map[string]bool{}
	}
	return &Extractor{opts: opts, store: store, hasher: hasher, batch: batch, now: now}
}

// Run implements the work manager's Work contract (C11): one sweep over
// every interaction still awaiting extraction.
func (x *Extractor) Run(ctx context.Context) error {
	interactions, err := x.store.GetUnprocessedInteractionsForExtraction(ctx)
	if err != nil {
		return err
	}
	for _, interaction := range interactions {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, ep := range x.Extract(&interaction) {
			ep.Batch = x.batch
			ep.CreatedAt = x.now()
			ep.StateID = interaction.StateID
			ep.FromInteractionID = interaction.ID
			hash, err := statescan.EndpointHash(x.hasher, &ep)
			if err != nil {
				log4go.Error("extract: hashing endpoint %v %v: %v", ep.Method, ep.Path, err)
				continue
			}
			ep.Hash = hash
			if err := x.store.AddEndpoint(ctx, &ep); err != nil {
				return err
			}
		}
		if err := x.store.MarkInteractionEndpointsProcessed(ctx, interaction.ID); err != nil {
			return err
		}
	}
	return nil
}

// elementPath tracks the ancestor tag names seen so far, so a discovered
// endpoint's FoundAt can be the reversed locator tuple §3/§4.4 requires.
type elementPath []string

func (p elementPath) reversed() []string {
	out := make([]string, len(p))
	for i, v := range p {
		out[len(p)-1-i] = v
	}
	return out
}

// Extract parses interaction's response body and returns the candidate
// endpoints found in it: one per <a href>, one per <form>, and up to one
// redirect endpoint if the response status is a redirect with a Location
// header. Candidates equal to the configured ignore list, or whose resolved
// host differs from the source endpoint's host while RestrictHost is set,
// are dropped.
func (x *Extractor) Extract(i *statescan.Interaction) []statescan.Endpoint {
	base := sourceURL(i.Request.Endpoint)
	var found []statescan.Endpoint

	if redirect, ok := x.redirectEndpoint(i, base); ok {
		found = append(found, redirect)
	}

	body, err := charset.NewReader(bytes.NewReader(i.Response.Body), contentType(i.Response.Headers))
	if err != nil {
		log4go.Debug("extract: charset detection failed, falling back to raw body: %v", err)
		body = bytes.NewReader(i.Response.Body)
	}

	z := html.NewTokenizer(body)
	var path elementPath
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return found
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			attrs := readAttrs(z, hasAttr)

			switch tag {
			case "a":
				if href, ok := attrs["href"]; ok {
					if ep, ok := x.buildEndpoint(base, href, "GET", nil, nil, path); ok {
						found = append(found, ep)
					}
				}
			case "form":
				if ep, ok := x.extractForm(z, base, attrs, path); ok {
					found = append(found, ep)
				}
				// extractForm has already consumed the matching </form>, so
				// the form is not pushed onto path.
				continue
			}

			if tt == html.StartTagToken && !isVoidElement(tag) {
				path = append(path, tag)
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if n := len(path); n > 0 && path[n-1] == tag {
				path = path[:n-1]
			}
		}
	}
}

// extractForm walks the form's descendant inputs/buttons to build its
// parameter/data set before hitting the closing </form>, matching
// EndpointExtractor.py's behavior of attributing every field inside the form
// to that one endpoint candidate regardless of nesting depth.
func (x *Extractor) extractForm(z *html.Tokenizer, base *url.URL, formAttrs map[string]string, path elementPath) (statescan.Endpoint, bool) {
	action := formAttrs["action"]
	method := strings.ToUpper(formAttrs["method"])
	if method == "" {
		method = "GET"
	}

	var fields []statescan.Parameter
	depth := 1
	for depth > 0 {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.StartTagToken || tt == html.SelfClosingTagToken {
			name, hasAttr := z.TagName()
			tag := string(name)
			attrs := readAttrs(z, hasAttr)
			if tag == "input" || tag == "button" || tag == "select" || tag == "textarea" {
				if fname, ok := attrs["name"]; ok {
					fields = append(fields, statescan.Parameter{Name: fname, Value: attrs["value"]})
				}
			}
			if tt == html.StartTagToken && tag == "form" {
				depth++
			}
		}
		if tt == html.EndTagToken {
			name, _ := z.TagName()
			if string(name) == "form" {
				depth--
			}
		}
	}

	if method == "GET" {
		return x.buildEndpoint(base, action, "GET", fields, nil, path)
	}
	return x.buildEndpoint(base, action, method, nil, fields, path)
}

func (x *Extractor) redirectEndpoint(i *statescan.Interaction, base *url.URL) (statescan.Endpoint, bool) {
	if i.Response.StatusCode < 300 || i.Response.StatusCode >= 400 {
		return statescan.Endpoint{}, false
	}
	locs := i.Response.Headers["Location"]
	if len(locs) == 0 {
		return statescan.Endpoint{}, false
	}
	return x.buildEndpoint(base, locs[0], "GET", nil, nil, nil)
}

func (x *Extractor) buildEndpoint(base *url.URL, raw, method string, params, data []statescan.Parameter, path elementPath) (statescan.Endpoint, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || x.opts.IgnoreList[raw] {
		return statescan.Endpoint{}, false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return statescan.Endpoint{}, false
	}
	resolved := base.ResolveReference(ref)
	if x.opts.RestrictHost && resolved.Host != base.Host {
		return statescan.Endpoint{}, false
	}
	normalizeURL(resolved)

	var locator []string
	if path != nil {
		locator = path.reversed()
	}
	return statescan.Endpoint{
		Scheme:     resolved.Scheme,
		Host:       resolved.Host,
		Path:       resolved.Path,
		Method:     method,
		Parameters: mergeQueryParams(resolved, params),
		Data:       data,
		FoundAt:    locator,
		Visited:    false,
		AllowVisit: true,
	}, true
}

func mergeQueryParams(u *url.URL, extra []statescan.Parameter) []statescan.Parameter {
	params := make([]statescan.Parameter, 0, len(extra))
	if u.RawQuery != "" {
		for _, kv := range strings.Split(u.RawQuery, "&") {
			if kv == "" {
				continue
			}
			parts := strings.SplitN(kv, "=", 2)
			val := ""
			if len(parts) == 2 {
				val = parts[1]
			}
			params = append(params, statescan.Parameter{Name: parts[0], Value: val})
		}
	}
	return append(params, extra...)
}

func normalizeURL(u *url.URL) {
	purell.NormalizeURL(u, purell.FlagsSafe|purell.FlagRemoveFragment)
}

func sourceURL(e statescan.Endpoint) *url.URL {
	u := &url.URL{Scheme: e.Scheme, Host: e.Host, Path: e.Path}
	if len(e.Parameters) > 0 {
		q := url.Values{}
		for _, p := range e.Parameters {
			q.Set(p.Name, p.Value)
		}
		u.RawQuery = q.Encode()
	}
	return u
}

func contentType(headers map[string][]string) string {
	for _, v := range headers[http.CanonicalHeaderKey("Content-Type")] {
		return v
	}
	return ""
}

func readAttrs(z *html.Tokenizer, hasAttr bool) map[string]string {
	attrs := map[string]string{}
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		attrs[string(key)] = string(val)
	}
	return attrs
}

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

func isVoidElement(tag string) bool { return voidElements[tag] }
