package server

import (
	"net/http"

	"github.com/shopspring/decimal"

	"nftmarket/services/marketd/market"
)

type createCollectionRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Blockchain  string          `json:"blockchain"`
	RoyaltyRate decimal.Decimal `json:"royalty_rate"`
}

type priceSuggestionResponse struct {
	SuggestedPrice *decimal.Decimal `json:"suggested_price"`
}

// CreateCollection registers a collection created by the caller.
func (s *Server) CreateCollection(w http.ResponseWriter, r *http.Request) {
	var req createCollectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	collection, err := s.market.CreateCollection(r.Context(), market.CreateCollectionInput{
		Name:        req.Name,
		Description: req.Description,
		CreatorID:   caller(r),
		Blockchain:  req.Blockchain,
		RoyaltyRate: req.RoyaltyRate,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, collection)
}

// CollectionStats reports floor, average, ceiling, volume and sales.
func (s *Server) CollectionStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	stats, err := s.market.CollectionStats(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Valuation combines rarity and market prices for an NFT.
func (s *Server) Valuation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	valuation, err := s.market.Valuation(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, valuation)
}

// PriceSuggestion proposes a listing price; null when no sales exist.
func (s *Server) PriceSuggestion(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	price, err := s.market.PriceSuggestion(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, priceSuggestionResponse{SuggestedPrice: price})
}
