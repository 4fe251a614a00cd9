package server

import (
	"net/http"

	"profilehub/pkg/domain"
	"profilehub/services/api/internal/app"
)

// /addresses
func (s *Server) handleAddresses(w http.ResponseWriter, r *http.Request, account domain.Account) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.app.ListAddresses(r.Context(), account)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if list == nil {
			list = []domain.Address{}
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req app.AddressFields
		if !decodeJSON(w, r, &req) {
			return
		}
		addr, err := s.app.CreateAddress(r.Context(), account, req)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, addr)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// /addresses/{id}
func (s *Server) handleAddressByID(w http.ResponseWriter, r *http.Request, account domain.Account) {
	id, rest, ok := pathID(r, "/addresses/")
	if !ok || rest != "" {
		writeAppError(w, r, app.ErrNotFound)
		return
	}
	var (
		addr domain.Address
		err  error
	)
	switch r.Method {
	case http.MethodGet:
		addr, err = s.app.GetAddress(r.Context(), account, id)
	case http.MethodPut:
		var req app.AddressFields
		if !decodeJSON(w, r, &req) {
			return
		}
		addr, err = s.app.ReplaceAddress(r.Context(), account, id, req)
	case http.MethodPatch:
		var req app.AddressPatch
		if !decodeJSON(w, r, &req) {
			return
		}
		addr, err = s.app.PatchAddress(r.Context(), account, id, req)
	case http.MethodDelete:
		if err := s.app.DeleteAddress(r.Context(), account, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete)
		return
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addr)
}
