package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mtzanidakis/sitescope/internal/store"
	"github.com/mtzanidakis/sitescope/internal/vault"
)

func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.ListCredentials(r.PathValue("tenant"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if creds == nil {
		creds = []store.Credential{}
	}
	jsonResponse(w, creds)
}

func (s *Server) putCredential(w http.ResponseWriter, r *http.Request) {
	if s.keyring == nil {
		jsonError(w, vault.ErrNoVault.Error(), http.StatusServiceUnavailable)
		return
	}
	tenant, provider := r.PathValue("tenant"), r.PathValue("provider")

	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Key == "" {
		jsonError(w, "key is required", http.StatusBadRequest)
		return
	}

	if err := s.keyring.Put(tenant, provider, body.Key); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, vault.ErrNoVault) {
			code = http.StatusServiceUnavailable
		}
		jsonError(w, err.Error(), code)
		return
	}
	jsonResponse(w, map[string]string{"status": "stored", "tenant": tenant, "provider": provider})
}

func (s *Server) deleteCredential(w http.ResponseWriter, r *http.Request) {
	if s.keyring == nil {
		jsonError(w, vault.ErrNoVault.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := s.keyring.Delete(r.PathValue("tenant"), r.PathValue("provider")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}
