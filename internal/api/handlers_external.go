package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/market-aggregator/internal/errors"
)

// handleETHPrice handles GET /api/eth-price. The price view has no error
// field, so failures use the error envelope.
func (s *Server) handleETHPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.service.GetETHPrice(r.Context())
	if err != nil {
		if errors.IsCancelled(err) {
			w.WriteHeader(errors.StatusClientClosedRequest)
			return
		}
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, price)
}

// handleItemDetails handles GET /api/item-details
func (s *Server) handleItemDetails(w http.ResponseWriter, r *http.Request) {
	catalog, err := s.service.GetItemDetails(r.Context())
	respondView(w, r, catalog, err)
}

// handleDeals handles GET /api/deals. An optional playerAddress adds the
// player's execution progress to each deal.
func (s *Server) handleDeals(w http.ResponseWriter, r *http.Request) {
	deals, err := s.service.GetDeals(r.Context(), r.URL.Query().Get("playerAddress"))
	respondView(w, r, deals, err)
}

// handleCurrentTime handles GET /api/current-time
func (s *Server) handleCurrentTime(w http.ResponseWriter, r *http.Request) {
	now, err := s.service.GetCurrentTime(r.Context())
	respondView(w, r, now, err)
}

// handlePlayerExecutions handles GET /api/player-executions/{address}
func (s *Server) handlePlayerExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.service.GetPlayerExecutions(r.Context(), mux.Vars(r)["address"])
	respondView(w, r, execs, err)
}

// handleStubIcon handles GET /api/stub-icon
func (s *Server) handleStubIcon(w http.ResponseWriter, r *http.Request) {
	icon, err := s.service.GetStubIcon(r.Context())
	respondView(w, r, icon, err)
}

// handleNoobID handles GET /api/noob-id/{address}
func (s *Server) handleNoobID(w http.ResponseWriter, r *http.Request) {
	account, err := s.service.GetNoobID(r.Context(), mux.Vars(r)["address"])
	respondView(w, r, account, err)
}
