package server

import (
	"net/http"

	"nftmarket/services/marketd/market"
)

type orderStatusRequest struct {
	Status          string `json:"status"`
	TransactionHash string `json:"transaction_hash"`
}

// UserOrders lists the caller's orders; role selects buyer, seller or any.
func (s *Server) UserOrders(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	items, total, err := s.market.UserOrders(r.Context(), caller(r), r.URL.Query().Get("role"), page)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(items, total, page))
}

// GetOrder returns an order visible to the caller.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	order, err := s.market.GetOrder(r.Context(), id, caller(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// UpdateOrderStatus moves an order through confirmation, completion or
// failure. Restricted to service and admin callers by the router.
func (s *Server) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	var req orderStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	order, err := s.market.UpdateOrderStatus(r.Context(), market.OrderStatusInput{
		OrderID:         id,
		ActorID:         caller(r),
		Status:          req.Status,
		TransactionHash: req.TransactionHash,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}
