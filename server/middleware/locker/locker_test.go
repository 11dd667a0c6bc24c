package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/beamline/galilshutter/generichttp"
)

type device struct {
	rt generichttp.RouteTable
}

func (d device) RT() generichttp.RouteTable { return d.rt }

func TestCheck(t *testing.T) {
	l := New()
	h := l.Check(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	call := func(method, path string) int {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w.Code
	}

	assert.Equal(t, http.StatusTeapot, call(http.MethodPost, "/shutter/open"))
	l.Lock()
	assert.True(t, l.Locked())
	assert.Equal(t, http.StatusLocked, call(http.MethodPost, "/shutter/open"))
	assert.Equal(t, http.StatusTeapot, call(http.MethodGet, "/shutter/state"))
	assert.Equal(t, http.StatusTeapot, call(http.MethodPost, "/shutter/lock"))
	l.Unlock()
	assert.Equal(t, http.StatusTeapot, call(http.MethodPost, "/shutter/open"))
}

func TestInjectAndHTTPSet(t *testing.T) {
	d := device{rt: generichttp.RouteTable{}}
	l := New()
	Inject(d, l)
	assert.Equal(t, []string{"GET /lock", "POST /lock"}, d.rt.Endpoints())

	set := func(body string) int {
		w := httptest.NewRecorder()
		l.HTTPSet(w, httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(body)))
		return w.Code
	}
	assert.Equal(t, http.StatusOK, set(`{"bool": true}`))
	assert.True(t, l.Locked())
	assert.Equal(t, http.StatusBadRequest, set(`true`))
	assert.True(t, l.Locked())
	assert.Equal(t, http.StatusOK, set(`{"bool": false}`))
	assert.False(t, l.Locked())

	w := httptest.NewRecorder()
	l.HTTPGet(w, httptest.NewRequest(http.MethodGet, "/lock", nil))
	assert.JSONEq(t, `{"bool": false}`, w.Body.String())
}
