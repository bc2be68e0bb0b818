package router

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cordelane/tunneld/pkg/api"
)

type Backend struct {
	TunnelDriver TunnelDriver
}

type TunnelDriver interface {
	Connect(spec api.TunnelSpec) (api.TunnelStatus, error)
	Disconnect(name string) error
	Cancel(name string) error
	ListTunnels() map[string]api.TunnelStatus
}

func (b *Backend) onError(w http.ResponseWriter, r *http.Request, err error, ec int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ec)
	// it is safe to return the err to the client, because the client is the
	// trusted UI backend
	e := api.ErrorJSON{
		Message: err.Error(),
	}
	_ = json.NewEncoder(w).Encode(e)
}

func (b *Backend) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	m, err := json.Marshal(v)
	if err != nil {
		b.onError(w, r, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(m)
}

func (b *Backend) GetTunnels(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, r, http.StatusOK, b.TunnelDriver.ListTunnels())
}

func (b *Backend) PostTunnel(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(r.Body)
	var spec api.TunnelSpec
	if err := decoder.Decode(&spec); err != nil {
		b.onError(w, r, err, http.StatusBadRequest)
		return
	}
	status, err := b.TunnelDriver.Connect(spec)
	if err != nil {
		b.onError(w, r, err, http.StatusBadRequest)
		return
	}
	b.writeJSON(w, r, http.StatusOK, struct {
		api.ResultJSON
		Tunnel api.TunnelStatus `json:"tunnel"`
	}{api.ResultJSON{Status: "success"}, status})
}

func (b *Backend) DeleteTunnel(w http.ResponseWriter, r *http.Request) {
	name, ok := mux.Vars(r)["name"]
	if !ok {
		b.onError(w, r, errors.New("name not specified"), http.StatusBadRequest)
		return
	}
	if err := b.TunnelDriver.Disconnect(name); err != nil {
		b.onError(w, r, err, http.StatusBadRequest)
		return
	}
	b.writeJSON(w, r, http.StatusOK, api.ResultJSON{Status: "success"})
}

func (b *Backend) PostCancel(w http.ResponseWriter, r *http.Request) {
	name, ok := mux.Vars(r)["name"]
	if !ok {
		b.onError(w, r, errors.New("name not specified"), http.StatusBadRequest)
		return
	}
	if err := b.TunnelDriver.Cancel(name); err != nil {
		b.onError(w, r, err, http.StatusBadRequest)
		return
	}
	b.writeJSON(w, r, http.StatusOK, api.ResultJSON{Status: "success"})
}

func AddRoutes(r *mux.Router, b *Backend) {
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Path("/tunnels").Methods("GET").HandlerFunc(b.GetTunnels)
	v1.Path("/tunnels").Methods("POST").HandlerFunc(b.PostTunnel)
	v1.Path("/tunnels/{name}").Methods("DELETE").HandlerFunc(b.DeleteTunnel)
	v1.Path("/tunnels/{name}/cancel").Methods("POST").HandlerFunc(b.PostCancel)
}
