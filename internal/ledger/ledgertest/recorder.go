// Package ledgertest provides in-memory L1 and L2 servers that speak the
// ledger protocols, verify signatures and allow fault injection in tests.
package ledgertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

type fault struct {
	status    int
	code      string
	remaining int
	// applied runs the handler before answering with the error, as if the
	// reply was lost on the way back.
	applied bool
}

// recorder counts calls per route and injects scripted failures.
type recorder struct {
	mu     sync.Mutex
	calls  map[string]int
	faults map[string]*fault
}

func newRecorder() recorder {
	return recorder{calls: make(map[string]int), faults: make(map[string]*fault)}
}

// FailNext makes the next n calls to route ("POST /bridge/claim") answer status.
func (r *recorder) FailNext(route string, n, status int) {
	r.FailNextWithCode(route, n, status, "")
}

// FailNextWithCode is FailNext with an application error code in the body.
func (r *recorder) FailNextWithCode(route string, n, status int, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[route] = &fault{status: status, code: code, remaining: n}
}

// LoseRepliesNext lets the next n calls to route take effect but answers
// them with 503, as if every reply was lost.
func (r *recorder) LoseRepliesNext(route string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[route] = &fault{status: http.StatusServiceUnavailable, remaining: n, applied: true}
}

// Calls returns how many requests reached route, including failed ones.
func (r *recorder) Calls(route string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[route]
}

// TotalCalls sums calls over every route.
func (r *recorder) TotalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

func (r *recorder) handle(mux *http.ServeMux, route string, fn http.HandlerFunc) {
	mux.HandleFunc(route, func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.calls[route]++
		f := r.faults[route]
		var inject *fault
		if f != nil && f.remaining > 0 {
			f.remaining--
			inject = f
		}
		r.mu.Unlock()

		if inject != nil {
			if inject.applied {
				fn(httptest.NewRecorder(), req)
			}
			writeError(w, inject.status, inject.code, "injected failure")
			return
		}
		fn(w, req)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "message": msg})
}

func decode(req *http.Request, v any) error {
	return json.NewDecoder(req.Body).Decode(v)
}
