package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nasa-jpl/piscope/generichttp"
	"github.com/nasa-jpl/piscope/server"
)

type pinger struct {
	rt generichttp.RouteTable
}

func newPinger() *pinger {
	return &pinger{rt: generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/ping"}: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	}}
}

func (p *pinger) RT() generichttp.RouteTable { return p.rt }

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestNodesLockIndependently(t *testing.T) {
	mux := server.BuildMux([]server.Node{
		{Endpoint: "scope/", HTTPer: newPinger()},
		{Endpoint: "/dac/*", HTTPer: newPinger()},
	})
	if rec := do(mux, http.MethodPost, "/scope/ping", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	do(mux, http.MethodPost, "/scope/lock", `{"bool": true}`)
	if rec := do(mux, http.MethodPost, "/scope/ping", ""); rec.Code != http.StatusLocked {
		t.Errorf("expected 423 from a locked node, got %d", rec.Code)
	}
	if rec := do(mux, http.MethodPost, "/dac/ping", ""); rec.Code != http.StatusOK {
		t.Errorf("expected the other node open, got %d", rec.Code)
	}
	rec := do(mux, http.MethodGet, "/scope/lock", "")
	if !strings.Contains(rec.Body.String(), `"bool":true`) {
		t.Errorf("expected the lock reported, got %s", rec.Body)
	}
	do(mux, http.MethodPost, "/scope/lock", `{"bool": false}`)
	if rec := do(mux, http.MethodPost, "/scope/ping", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200 after unlocking, got %d", rec.Code)
	}
}

func TestEndpointsListed(t *testing.T) {
	mux := server.BuildMux([]server.Node{{Endpoint: "scope", HTTPer: newPinger()}})
	rec := do(mux, http.MethodGet, "/endpoints", "")
	var graph map[string][]string
	if err := json.NewDecoder(rec.Body).Decode(&graph); err != nil {
		t.Fatal(err)
	}
	want := []string{"GET /lock", "POST /lock", "POST /ping"}
	got := graph["/scope"]
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v got %v", want, got)
	}
}

func TestSubMuxSanitize(t *testing.T) {
	for _, in := range []string{"omc/nkt", "/omc/nkt", "/omc/nkt/*", "omc/nkt/"} {
		if out := generichttp.SubMuxSanitize(in); out != "/omc/nkt" {
			t.Errorf("%q: expected /omc/nkt got %q", in, out)
		}
	}
}
