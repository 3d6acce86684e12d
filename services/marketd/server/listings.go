package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"nftmarket/services/marketd/market"
	"nftmarket/services/marketd/models"
)

type createListingRequest struct {
	NFTID         uuid.UUID       `json:"nft_id"`
	SellerAddress string          `json:"seller_address"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	Blockchain    string          `json:"blockchain"`
	ExpiresAt     *time.Time      `json:"expires_at"`
}

// CreateListing lists an NFT owned by the caller.
func (s *Server) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	listing, err := s.market.CreateListing(r.Context(), market.CreateListingInput{
		NFTID:         req.NFTID,
		SellerID:      caller(r),
		SellerAddress: req.SellerAddress,
		Price:         req.Price,
		Currency:      req.Currency,
		Blockchain:    req.Blockchain,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

// CancelListing withdraws the listing.
func (s *Server) CancelListing(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	listing, err := s.market.CancelListing(r.Context(), id, caller(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// GetListing returns one listing.
func (s *Server) GetListing(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	listing, err := s.market.GetListing(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// ActiveListings browses active, unexpired listings.
func (s *Server) ActiveListings(w http.ResponseWriter, r *http.Request) {
	s.listListings(w, r, func(page market.Page) ([]models.Listing, int64, error) {
		return s.market.ActiveListings(r.Context(), page)
	})
}

// UserListings returns the caller's listings, optionally filtered by status.
func (s *Server) UserListings(w http.ResponseWriter, r *http.Request) {
	var status *models.ListingStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		value := models.ListingStatus(strings.ToLower(raw))
		status = &value
	}
	s.listListings(w, r, func(page market.Page) ([]models.Listing, int64, error) {
		return s.market.UserListings(r.Context(), caller(r), status, page)
	})
}

// ListingsByPriceRange filters listings by min_price and max_price.
func (s *Server) ListingsByPriceRange(w http.ResponseWriter, r *http.Request) {
	minPrice, err := optionalDecimal(r, "min_price")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	maxPrice, err := optionalDecimal(r, "max_price")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	s.listListings(w, r, func(page market.Page) ([]models.Listing, int64, error) {
		return s.market.ListingsByPriceRange(r.Context(), minPrice, maxPrice, page)
	})
}

// ListingsByRarity filters listings by rarity tier.
func (s *Server) ListingsByRarity(w http.ResponseWriter, r *http.Request) {
	tier := chi.URLParam(r, "tier")
	s.listListings(w, r, func(page market.Page) ([]models.Listing, int64, error) {
		return s.market.ListingsByRarity(r.Context(), tier, page)
	})
}

// ListingsSortedByRarity orders listings by rarity score, ascending unless
// order=desc.
func (s *Server) ListingsSortedByRarity(w http.ResponseWriter, r *http.Request) {
	order := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("order")))
	if order != "" && order != "asc" && order != "desc" {
		writeBadRequest(w, "order must be asc or desc")
		return
	}
	s.listListings(w, r, func(page market.Page) ([]models.Listing, int64, error) {
		return s.market.ListingsSortedByRarity(r.Context(), order == "desc", page)
	})
}

// CollectionListings returns the active listings of a collection.
func (s *Server) CollectionListings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	s.listListings(w, r, func(page market.Page) ([]models.Listing, int64, error) {
		return s.market.CollectionListings(r.Context(), id, page)
	})
}

func (s *Server) listListings(w http.ResponseWriter, r *http.Request, fetch func(market.Page) ([]models.Listing, int64, error)) {
	page, err := parsePage(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	items, total, err := fetch(page)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, total, page))
}

func optionalDecimal(r *http.Request, name string) (*decimal.Decimal, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be a decimal number", name)
	}
	return &value, nil
}
