// Package server contains the payload types shared by every HTTP route
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BoolT is a struct with a single Bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

// IntT is a struct with a single Int field
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single Str field
type StrT struct {
	Str string `json:"str"`
}

// HumanPayload is a struct containing the basic types Go understands.  T
// selects which field is sent; the JSON key is the name of the matching
// single field struct above.
type HumanPayload struct {
	T      types.BasicKind
	Bool   bool
	Int    int
	String string
}

// value returns the payload as a single field struct
func (hp *HumanPayload) value() (interface{}, error) {
	switch hp.T {
	case types.Bool:
		return BoolT{Bool: hp.Bool}, nil
	case types.Int:
		return IntT{Int: hp.Int}, nil
	case types.String:
		return StrT{Str: hp.String}, nil
	}
	return nil, errors.Errorf("HumanPayload: unsupported kind %v", hp.T)
}

// plain returns the payload formatted as text
func (hp *HumanPayload) plain() string {
	switch hp.T {
	case types.Bool:
		return fmt.Sprint(hp.Bool)
	case types.Int:
		return fmt.Sprint(hp.Int)
	}
	return hp.String
}

// EncodeAndRespond writes the payload to w.  A client that accepts
// text/plain and not JSON gets the bare value, everyone else gets JSON.
func (hp *HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "text/plain") && !strings.Contains(accept, "application/json") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, hp.plain())
		return
	}
	v, err := hp.value()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("error encoding payload")
	}
}

// RespondJSON encodes v as the body of a 200 response
func RespondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("error encoding response")
	}
}
