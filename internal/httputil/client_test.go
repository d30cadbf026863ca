package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStandardClient(t *testing.T) {
	t.Parallel()
	c, ok := NewStandardClient(nil).(*http.Client)
	require.True(t, ok)
	assert.Equal(t, DefaultTimeout, c.Timeout)

	custom := &http.Client{}
	assert.Same(t, custom, NewStandardClient(custom))
}

func TestDoJSONAgainstServer(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			var in map[string]float64
			if err := DecodeJSON(w, r, &in); err != nil {
				BadRequest(w, err.Error())
				return
			}
			WriteJSONOK(w, map[string]float64{"doubled": in["v"] * 2})
		default:
			NotFound(w, "no such route")
		}
	}))
	defer srv.Close()
	c := NewStandardClient(srv.Client())

	var out map[string]float64
	require.NoError(t, DoJSON(context.Background(), c, http.MethodPost, srv.URL+"/echo", map[string]float64{"v": 2.5}, &out))
	assert.Equal(t, 5.0, out["doubled"])

	err := DoJSON(context.Background(), c, http.MethodGet, srv.URL+"/missing", nil, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, "no such route", se.Message)
	assert.Contains(t, err.Error(), "404 no such route")
}

func TestMockHTTPClient(t *testing.T) {
	t.Parallel()
	m := NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"running": true}`).
		AddResponse(http.StatusTeapot, ``).
		AddError(errors.New("refused"))

	var out struct {
		Running bool `json:"running"`
	}
	ctx := context.Background()
	require.NoError(t, DoJSON(ctx, m, http.MethodPost, "http://qlaib/api/start", map[string]int{"x": 1}, &out))
	assert.True(t, out.Running)

	err := DoJSON(ctx, m, http.MethodGet, "http://qlaib/api/status", nil, nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTeapot, se.StatusCode)
	assert.Equal(t, "GET http://qlaib/api/status: I'm a teapot", se.Error())

	require.EqualError(t, DoJSON(ctx, m, http.MethodGet, "http://qlaib/health", nil, nil), "refused")
	require.NoError(t, DoJSON(ctx, m, http.MethodGet, "http://qlaib/health", nil, &out))

	reqs := m.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, "/api/start", reqs[0].URL.Path)
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.JSONEq(t, `{"x":1}`, m.Body(0))
	assert.Empty(t, m.Body(1))
	assert.Empty(t, m.Body(9))
}
