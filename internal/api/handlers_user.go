package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// handleUserPnL handles GET /api/user-pnl/{userAddress}
func (s *Server) handleUserPnL(w http.ResponseWriter, r *http.Request) {
	pnl, err := s.service.GetUserPnL(r.Context(), mux.Vars(r)["userAddress"])
	respondView(w, r, pnl, err)
}

// handleUserTransactions handles GET /api/user-transactions/{userAddress}?limit=&itemId=
func (s *Server) handleUserTransactions(w http.ResponseWriter, r *http.Request) {
	limit, perr := queryInt(r, "limit", 0)
	if perr != nil {
		respondInvalid(w, perr)
		return
	}
	list, err := s.service.GetUserTransactions(r.Context(), mux.Vars(r)["userAddress"], r.URL.Query().Get("itemId"), limit)
	respondView(w, r, list, err)
}

// handleUserListings handles GET /api/user-listings/{userAddress}?limit=&itemId=
func (s *Server) handleUserListings(w http.ResponseWriter, r *http.Request) {
	limit, perr := queryInt(r, "limit", 0)
	if perr != nil {
		respondInvalid(w, perr)
		return
	}
	list, err := s.service.GetUserListings(r.Context(), mux.Vars(r)["userAddress"], r.URL.Query().Get("itemId"), limit)
	respondView(w, r, list, err)
}

// handleBalance handles GET /api/balance/{userAddress}/{itemId}
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pos, err := s.service.GetUserBalance(r.Context(), vars["userAddress"], vars["itemId"])
	respondView(w, r, pos, err)
}
