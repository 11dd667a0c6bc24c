package shutter

import (
	"go/types"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/pkg/errors"

	"github.com/beamline/galilshutter/generichttp"
	"github.com/beamline/galilshutter/server"
)

// HTTPWrapper provides an HTTP interface to a shutter
type HTTPWrapper struct {
	dev *Shutter

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// guardStatus turns a refusal into 409 Conflict
func guardStatus(err error) error {
	if errors.Is(err, ErrNotAllowed) {
		return generichttp.WithStatus(err, http.StatusConflict)
	}
	return err
}

// rangeStatus turns an out of range setting into 400 Bad Request
func rangeStatus(err error) error {
	if errors.Is(err, ErrOutOfRange) {
		return generichttp.WithStatus(err, http.StatusBadRequest)
	}
	return err
}

func operation(f func() error) http.HandlerFunc {
	return generichttp.Action(func() error { return guardStatus(f()) })
}

func getter(f func() int) http.HandlerFunc {
	return generichttp.GetInt(func() (int, error) { return f(), nil })
}

func setter(f func(int) error) http.HandlerFunc {
	return generichttp.SetInt(func(v int) error { return rangeStatus(f(v)) })
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(s *Shutter) HTTPWrapper {
	w := HTTPWrapper{dev: s}
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/state"}: generichttp.GetString(func() (string, error) {
			return s.State().String(), nil
		}),
		{Method: http.MethodGet, Path: "/status"}: generichttp.GetString(func() (string, error) {
			return s.Status(), nil
		}),
		{Method: http.MethodGet, Path: "/snapshot"}: w.GetSnapshot,
		{Method: http.MethodGet, Path: "/position"}: getter(s.Position),
		{Method: http.MethodPost, Path: "/abs-position"}: generichttp.SetInt(func(v int) error {
			s.SetPosition(v)
			return nil
		}),
		{Method: http.MethodGet, Path: "/external-control"}: generichttp.GetBool(func() (bool, error) {
			return s.IsExternal(), nil
		}),

		{Method: http.MethodGet, Path: "/open-value"}:         getter(s.OpenValue),
		{Method: http.MethodPost, Path: "/open-value"}:        setter(s.SetOpenValue),
		{Method: http.MethodGet, Path: "/close-value"}:        getter(s.CloseValue),
		{Method: http.MethodPost, Path: "/close-value"}:       setter(s.SetCloseValue),
		{Method: http.MethodGet, Path: "/closing-tolerance"}:  getter(s.ClosingTolerance),
		{Method: http.MethodPost, Path: "/closing-tolerance"}: setter(s.SetClosingTolerance),
		{Method: http.MethodGet, Path: "/offset"}:             getter(s.Offset),
		{Method: http.MethodPost, Path: "/offset"}:            setter(s.SetOffset),

		{Method: http.MethodPost, Path: "/turn-on"}:          operation(s.TurnOn),
		{Method: http.MethodPost, Path: "/turn-off"}:         operation(s.TurnOff),
		{Method: http.MethodPost, Path: "/stop"}:             operation(s.StopMotor),
		{Method: http.MethodPost, Path: "/find-index"}:       operation(s.FindIndex),
		{Method: http.MethodPost, Path: "/external-control"}: operation(s.ExternalControl),
		{Method: http.MethodPost, Path: "/soft-reset"}:       operation(s.GalilSoftReset),
		{Method: http.MethodPost, Path: "/soft-ctrl"}:        operation(s.SoftCtrl),
		{Method: http.MethodPost, Path: "/open"}:             operation(s.Open),
		{Method: http.MethodPost, Path: "/close"}:            operation(s.Close),
		{Method: http.MethodPost, Path: "/single-command"}:   generichttp.StringToBool(s.SingleCommandInput),

		{Method: http.MethodGet, Path: "/allowed/{command}"}: w.GetAllowed,
	}
	w.RouteTable = rt
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetSnapshot returns the state, status, position, and mode as one JSON object
func (h HTTPWrapper) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	server.RespondJSON(w, h.dev.Snapshot())
}

// GetAllowed reports whether the command in the URL would be accepted now
func (h HTTPWrapper) GetAllowed(w http.ResponseWriter, r *http.Request) {
	cmd, err := ParseCommand(chi.URLParam(r, "command"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	hp := server.HumanPayload{T: types.Bool, Bool: h.dev.Allowed(cmd)}
	hp.EncodeAndRespond(w, r)
}
