package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"nftmarket/services/marketd/market"
	mw "nftmarket/services/marketd/middleware"
)

const maxBodyBytes = 1 << 20

// pageResponse is the envelope of every paginated read.
type pageResponse[T any] struct {
	Total   int64 `json:"total"`
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Items   []T   `json:"items"`
}

func newPage[T any](items []T, total int64, page market.Page) pageResponse[T] {
	if items == nil {
		items = []T{}
	}
	return pageResponse[T]{
		Total:   total,
		Page:    page.Skip/page.Limit + 1,
		PerPage: page.Limit,
		Items:   items,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parsePage(r *http.Request) (market.Page, error) {
	var page market.Page
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("skip")); raw != "" {
		skip, err := strconv.Atoi(raw)
		if err != nil {
			return page, errors.New("skip must be an integer")
		}
		page.Skip = skip
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return page, errors.New("limit must be an integer")
		}
		page.Limit = limit
	}
	normalized, err := page.Normalize()
	if err != nil {
		return page, errors.New(strings.TrimPrefix(err.Error(), market.ErrInvalidInput.Error()+": "))
	}
	return normalized, nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a uuid", name)
	}
	return id, nil
}

func caller(r *http.Request) uuid.UUID {
	principal, _ := mw.PrincipalFromContext(r.Context())
	return principal.UserID
}
