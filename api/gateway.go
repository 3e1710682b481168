// Package api presents an HTTP gateway over a resource.Set. Each resource is
// served at its endpoint: POST creates a record from a JSON object body, and
// GET lists persisted and pending records.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.spoilers.dev/core/auth"
	"go.spoilers.dev/core/flush"
	pb "go.spoilers.dev/core/protocol"
	"go.spoilers.dev/core/resource"
)

// MaxFormSize is the largest accepted body of a create request.
const MaxFormSize = 1 << 20

// Verifier verifies the Authorization header of a request. It's implemented
// by *auth.KeyedAuth.
type Verifier interface {
	Verify(header string, require auth.Capability) (auth.Claims, error)
}

// Flushers looks up the Flusher of a resource. It's implemented by *flush.Registry.
type Flushers interface {
	Lookup(name string) (*flush.Flusher, bool)
}

// Gateway is an http.Handler of the resources of a Set.
type Gateway struct {
	set      *resource.Set
	verifier Verifier
	flushers Flushers
	decoder  *schema.Decoder
	mux      *http.ServeMux
}

// NewGateway returns a Gateway of the Set. If |verifier| is nil, requests are
// not authorized. If |flushers| is nil, flushes may not be requested.
func NewGateway(set *resource.Set, verifier Verifier, flushers Flushers) *Gateway {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	var g = &Gateway{
		set:      set,
		verifier: verifier,
		flushers: flushers,
		decoder:  decoder,
		mux:      http.NewServeMux(),
	}
	for _, r := range set.All() {
		g.mux.Handle(r.Spec().EndpointPath(), g.resourceHandler(r))
	}
	g.mux.HandleFunc("/debug/buffers", g.serveBuffers)
	g.mux.HandleFunc("/debug/flush", g.serveFlush)

	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) { g.mux.ServeHTTP(w, r) }

func (g *Gateway) resourceHandler(res *resource.Resource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if g.authorize(w, r, auth.Capability_LIST, res.Spec().Name) {
				g.serveList(w, r, res)
			}
		case http.MethodPost:
			if g.authorize(w, r, auth.Capability_CREATE, res.Spec().Name) {
				g.serveCreate(w, r, res)
			}
		default:
			w.Header().Set("Allow", "GET, POST")
			writeErrors(w, http.StatusMethodNotAllowed,
				fmt.Errorf("unsupported method: %s", r.Method))
		}
	})
}

func (g *Gateway) serveCreate(w http.ResponseWriter, r *http.Request, res *resource.Resource) {
	var form, err = io.ReadAll(http.MaxBytesReader(w, r.Body, MaxFormSize))
	if err != nil {
		writeErrors(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	rec, err := res.Create(r.Context(), form)
	if err != nil {
		var code = StatusCodeForError(err)
		if code >= http.StatusInternalServerError {
			log.WithFields(log.Fields{
				"resource": res.Spec().Name,
				"err":      err,
			}).Warn("failed to create record")
		}
		writeErrors(w, code, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (g *Gateway) serveList(w http.ResponseWriter, r *http.Request, res *resource.Resource) {
	var filters resource.Filters
	var q, err = url.ParseQuery(r.URL.RawQuery)
	if err == nil {
		err = g.decoder.Decode(&filters, q)
	}
	if err == nil && filters.Limit < 0 {
		err = fmt.Errorf("invalid limit (%d; expected >= 0)", filters.Limit)
	}
	if err != nil {
		writeErrors(w, http.StatusBadRequest, err)
		return
	}

	listing, err := res.List(r.Context(), filters)

	var partial *pb.PartialFailure
	if err != nil && !errors.As(err, &partial) {
		log.WithFields(log.Fields{
			"resource": res.Spec().Name,
			"err":      err,
		}).Warn("failed to list records")
		writeErrors(w, StatusCodeForError(err), err)
		return
	}

	var body = listResponse{Data: listing.Records(), Errors: []string{}}
	if partial != nil {
		for _, e := range partial.Errs {
			body.Errors = append(body.Errors, e.Error())
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (g *Gateway) serveBuffers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrors(w, http.StatusMethodNotAllowed, fmt.Errorf("unsupported method: %s", r.Method))
		return
	} else if !g.authorize(w, r, auth.Capability_DEBUG, "") {
		return
	}

	var out = make([]BufferStatus, 0)
	for _, res := range g.set.All() {
		if !res.Spec().Buffered {
			continue
		}
		var status = BufferStatus{Resource: res.Spec().Name}

		if depth, err := res.Depth(r.Context()); err != nil {
			status.Error = err.Error()
		} else {
			status.Depth = depth
		}
		if g.flushers != nil {
			if f, ok := g.flushers.Lookup(status.Resource); ok {
				status.State = f.State().String()
				status.Last = outcomeOf(f.LastOutcome())
			}
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })

	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) serveFlush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resource string `schema:"resource"`
	}
	var q, err = url.ParseQuery(r.URL.RawQuery)
	if err == nil {
		err = g.decoder.Decode(&req, q)
	}

	if r.Method != http.MethodPost {
		writeErrors(w, http.StatusMethodNotAllowed, fmt.Errorf("unsupported method: %s", r.Method))
		return
	} else if err != nil {
		writeErrors(w, http.StatusBadRequest, err)
		return
	} else if !g.authorize(w, r, auth.Capability_DEBUG, "") {
		return
	} else if g.flushers == nil {
		writeErrors(w, http.StatusNotImplemented, errors.New("flushes are not served"))
		return
	}

	var flusher, ok = g.flushers.Lookup(req.Resource)
	if !ok {
		writeErrors(w, http.StatusNotFound, errors.WithMessagef(pb.ErrUnknownResource, "%s", req.Resource))
		return
	}
	// The flush completes even if the client goes away.
	var out = outcomeOf(flusher.Tick(context.WithoutCancel(r.Context())))
	writeJSON(w, http.StatusOK, out)
}

// authorize the request for the Capability and (if non-empty) the resource.
// It returns false after writing an error response if authorization fails.
func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request, require auth.Capability, resource string) bool {
	if g.verifier == nil {
		return true
	}
	var claims, err = g.verifier.Verify(r.Header.Get("Authorization"), require)

	var capErr *auth.CapabilityError
	if errors.As(err, &capErr) {
		writeErrors(w, http.StatusForbidden, err)
		return false
	} else if err != nil {
		writeErrors(w, http.StatusUnauthorized, err)
		return false
	} else if resource != "" && !claims.Allows(resource) {
		writeErrors(w, http.StatusForbidden, fmt.Errorf("authorization is not scoped to resource %s", resource))
		return false
	}
	return true
}

// StatusCodeForError maps an error of a resource operation to an HTTP status.
func StatusCodeForError(err error) int {
	var ve *pb.ValidationError

	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, pb.ErrUnknownResource):
		return http.StatusNotFound
	case pb.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// BufferStatus is the reported status of a buffered resource.
type BufferStatus struct {
	Resource string       `json:"resource"`
	Depth    int          `json:"depth"`
	State    string       `json:"state,omitempty"`
	Last     *FlushResult `json:"last,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// FlushResult is the reported Outcome of a flush tick.
type FlushResult struct {
	Outcome  string  `json:"outcome"`
	Rows     int64   `json:"rows"`
	Started  string  `json:"started"`
	Seconds  float64 `json:"seconds"`
	Error    string  `json:"error,omitempty"`
	Retrying bool    `json:"retrying"`
}

func outcomeOf(o flush.Outcome) *FlushResult {
	if o.Kind == "" {
		return nil // No tick has run.
	}
	var out = &FlushResult{
		Outcome: o.Kind,
		Rows:    o.Rows,
		Started: o.Started.UTC().Format(pb.TimestampLayout),
		Seconds: o.Duration.Seconds(),
	}
	if o.Err != nil {
		out.Error = o.Err.Error()
		out.Retrying = pb.IsRetryable(o.Err)
	}
	return out
}

type listResponse struct {
	Data   []pb.Record `json:"data"`
	Errors []string    `json:"errors"`
}

func writeErrors(w http.ResponseWriter, code int, errs ...error) {
	var body = listResponse{Data: []pb.Record{}}
	for _, err := range errs {
		body.Errors = append(body.Errors, err.Error())
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Warn("failed to write response")
	}
}
