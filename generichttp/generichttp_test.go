package generichttp_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/beamline/galilshutter/generichttp"
)

func TestSubMuxSanitize(t *testing.T) {
	for _, in := range []string{"omc/shutter", "/omc/shutter", "omc/shutter/", "/omc/shutter/"} {
		assert.Equal(t, "/omc/shutter", generichttp.SubMuxSanitize(in))
	}
}

func TestEndpointsSorted(t *testing.T) {
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/open"}: nil,
		{Method: http.MethodGet, Path: "/state"}: nil,
		{Method: http.MethodGet, Path: "/lock"}:  nil,
	}
	assert.Equal(t, []string{"GET /lock", "GET /state", "POST /open"}, rt.Endpoints())
}

func serve(rt generichttp.RouteTable, method, path, body string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	rt.Bind(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestGetAndSetInt(t *testing.T) {
	v := 3
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/v"}: generichttp.GetInt(func() (int, error) { return v, nil }),
		{Method: http.MethodPost, Path: "/v"}: generichttp.SetInt(func(i int) error {
			if i < 0 {
				return generichttp.WithStatus(errors.New("negative"), http.StatusBadRequest)
			}
			v = i
			return nil
		}),
	}
	w := serve(rt, http.MethodPost, "/v", `{"int": 12}`)
	assert.Equal(t, http.StatusOK, w.Code)
	w = serve(rt, http.MethodGet, "/v", "")
	assert.JSONEq(t, `{"int": 12}`, w.Body.String())

	w = serve(rt, http.MethodPost, "/v", `{"int": -1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "negative")
	w = serve(rt, http.MethodPost, "/v", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 12, v)
}

func TestActionErrorStatus(t *testing.T) {
	plain := errors.New("boom")
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/ok"}:   generichttp.Action(func() error { return nil }),
		{Method: http.MethodPost, Path: "/boom"}: generichttp.Action(func() error { return plain }),
		{Method: http.MethodPost, Path: "/nope"}: generichttp.Action(func() error {
			return errors.Wrap(generichttp.WithStatus(plain, http.StatusConflict), "open")
		}),
	}
	assert.Equal(t, http.StatusOK, serve(rt, http.MethodPost, "/ok", "").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(rt, http.MethodPost, "/boom", "").Code)
	assert.Equal(t, http.StatusConflict, serve(rt, http.MethodPost, "/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(rt, http.MethodGet, "/ok", "").Code)
}

func TestWithStatusKeepsNil(t *testing.T) {
	assert.NoError(t, generichttp.WithStatus(nil, http.StatusConflict))
}

func TestStringToBool(t *testing.T) {
	var got string
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/cmd"}: generichttp.StringToBool(func(s string) bool {
			got = s
			return s != ""
		}),
	}
	w := serve(rt, http.MethodPost, "/cmd", `{"str": "TP"}`)
	assert.JSONEq(t, `{"bool": true}`, w.Body.String())
	assert.Equal(t, "TP", got)
	w = serve(rt, http.MethodPost, "/cmd", `{"str": ""}`)
	assert.JSONEq(t, `{"bool": false}`, w.Body.String())
}

func TestGetBoolAndString(t *testing.T) {
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/b"}: generichttp.GetBool(func() (bool, error) { return true, nil }),
		{Method: http.MethodGet, Path: "/s"}: generichttp.GetString(func() (string, error) { return "OPEN", nil }),
		{Method: http.MethodGet, Path: "/e"}: generichttp.GetString(func() (string, error) { return "", errors.New("gone") }),
	}
	assert.JSONEq(t, `{"bool": true}`, serve(rt, http.MethodGet, "/b", "").Body.String())
	assert.JSONEq(t, `{"str": "OPEN"}`, serve(rt, http.MethodGet, "/s", "").Body.String())
	assert.Equal(t, http.StatusInternalServerError, serve(rt, http.MethodGet, "/e", "").Code)
}

func TestSetBool(t *testing.T) {
	var got bool
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/b"}: generichttp.SetBool(func(b bool) error {
			got = b
			return nil
		}),
	}
	assert.Equal(t, http.StatusOK, serve(rt, http.MethodPost, "/b", `{"bool": true}`).Code)
	assert.True(t, got)
	assert.Equal(t, http.StatusBadRequest, serve(rt, http.MethodPost, "/b", `{"bool": "yes"}`).Code)
	assert.True(t, got)
}
