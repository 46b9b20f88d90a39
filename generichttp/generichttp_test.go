package generichttp_test

import (
	"go/types"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nasa-jpl/piscope/generichttp"
)

func TestEncodeAndRespond(t *testing.T) {
	for _, c := range []struct {
		hp   generichttp.HumanPayload
		code int
		body string
	}{
		{generichttp.HumanPayload{T: types.Float64, Float: 1.5}, http.StatusOK, "{\"f64\":1.5}\n"},
		{generichttp.HumanPayload{T: types.Int, Int: 3}, http.StatusOK, "{\"int\":3}\n"},
		{generichttp.HumanPayload{T: types.String, String: "rising_edge"}, http.StatusOK, "{\"str\":\"rising_edge\"}\n"},
		{generichttp.HumanPayload{T: types.Bool, Bool: true}, http.StatusOK, "{\"bool\":true}\n"},
		{generichttp.HumanPayload{T: types.Uint32}, http.StatusInternalServerError, "unsupported payload kind\n"},
	} {
		w := httptest.NewRecorder()
		c.hp.EncodeAndRespond(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != c.code || w.Body.String() != c.body {
			t.Errorf("kind %v: expected %d %q got %d %q", c.hp.T, c.code, c.body, w.Code, w.Body.String())
		}
	}
}
