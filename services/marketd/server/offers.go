package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"nftmarket/services/marketd/market"
)

type makeOfferRequest struct {
	ListingID    uuid.UUID       `json:"listing_id"`
	BuyerAddress string          `json:"buyer_address"`
	OfferPrice   decimal.Decimal `json:"offer_price"`
	Currency     string          `json:"currency"`
	ExpiresAt    *time.Time      `json:"expires_at"`
}

type buyRequest struct {
	BuyerAddress    string `json:"buyer_address"`
	TransactionHash string `json:"transaction_hash"`
}

type acceptRequest struct {
	TransactionHash string `json:"transaction_hash"`
}

// MakeOffer records an offer from the caller.
func (s *Server) MakeOffer(w http.ResponseWriter, r *http.Request) {
	var req makeOfferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offer, err := s.market.MakeOffer(r.Context(), market.MakeOfferInput{
		ListingID:    req.ListingID,
		BuyerID:      caller(r),
		BuyerAddress: req.BuyerAddress,
		OfferPrice:   req.OfferPrice,
		Currency:     req.Currency,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

// ListingOffers lists every offer on a listing, best price first.
func (s *Server) ListingOffers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	items, total, err := s.market.ListingOffers(r.Context(), id, page)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, total, page))
}

// UserOffers lists the caller's offers.
func (s *Server) UserOffers(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	items, total, err := s.market.UserOffers(r.Context(), caller(r), page)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, total, page))
}

// BuyNow purchases a listing at its asking price.
func (s *Server) BuyNow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req buyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	order, err := s.market.BuyNow(r.Context(), market.BuyNowInput{
		ListingID:       id,
		BuyerID:         caller(r),
		BuyerAddress:    req.BuyerAddress,
		TransactionHash: req.TransactionHash,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// AcceptOffer settles an offer on one of the caller's listings. The body is
// optional.
func (s *Server) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req acceptRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
	}
	order, err := s.market.AcceptOffer(r.Context(), market.AcceptOfferInput{
		OfferID:         id,
		SellerID:        caller(r),
		TransactionHash: req.TransactionHash,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// RejectOffer declines an offer on one of the caller's listings.
func (s *Server) RejectOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offer, err := s.market.RejectOffer(r.Context(), id, caller(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// CancelOffer withdraws one of the caller's offers.
func (s *Server) CancelOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	offer, err := s.market.CancelOffer(r.Context(), id, caller(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}
