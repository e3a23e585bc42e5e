package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// handleOrderBook handles GET /api/orderbook/{itemId}
func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.service.GetOrderBook(r.Context(), mux.Vars(r)["itemId"])
	respondView(w, r, book, err)
}

// handleCandles handles GET /api/candles/{itemId}?timeframe=1h|4h|1d
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	series, err := s.service.GetCandles(r.Context(), mux.Vars(r)["itemId"], r.URL.Query().Get("timeframe"))
	respondView(w, r, series, err)
}

// handleTimeframeData handles GET /api/timeframe-data/{itemId}?timeframe=&timestamp=
func (s *Server) handleTimeframeData(w http.ResponseWriter, r *http.Request) {
	timestamp, perr := queryInt64(r, "timestamp")
	if perr != nil {
		respondInvalid(w, perr)
		return
	}
	data, err := s.service.GetTimeframeData(r.Context(), mux.Vars(r)["itemId"], r.URL.Query().Get("timeframe"), timestamp)
	respondView(w, r, data, err)
}

// handleTrades handles GET /api/trades/{itemId}?limit=
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, perr := queryInt(r, "limit", 0)
	if perr != nil {
		respondInvalid(w, perr)
		return
	}
	trades, err := s.service.GetGroupedTrades(r.Context(), mux.Vars(r)["itemId"], limit)
	respondView(w, r, trades, err)
}

// handleAllStats handles GET /api/stats
func (s *Server) handleAllStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.GetAllItemStats(r.Context())
	respondView(w, r, stats, err)
}

// handleItemStats handles GET /api/stats/{itemId}
func (s *Server) handleItemStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.GetItemStats(r.Context(), mux.Vars(r)["itemId"])
	respondView(w, r, stats, err)
}

// handleItems handles GET /api/items
func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.GetItems(r.Context())
	respondView(w, r, items, err)
}

// handleListings handles GET /api/listings, optionally narrowed by ?itemId=
func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	listings, err := s.service.GetListings(r.Context(), r.URL.Query().Get("itemId"))
	respondView(w, r, listings, err)
}

// handleItemDayData handles GET /api/item-day-data-all/{itemId}
func (s *Server) handleItemDayData(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.GetItemDayData(r.Context(), mux.Vars(r)["itemId"])
	respondView(w, r, report, err)
}
