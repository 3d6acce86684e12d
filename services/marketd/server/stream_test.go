package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"nftmarket/services/marketd/models"
)

func (ts *testServer) dialStream(m member, query url.Values) (*websocket.Conn, *http.Response, error) {
	ts.t.Helper()
	srv := httptest.NewServer(ts.handler)
	ts.t.Cleanup(srv.Close)
	target := "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/marketplace/events/stream"
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	if m.token != "" {
		header.Set("Authorization", "Bearer "+m.token)
	}
	return websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: header})
}

func readActivity(t *testing.T, conn *websocket.Conn) activityPayload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	var payload activityPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	return payload
}

func TestActivityStreamReplaysAndTails(t *testing.T) {
	ts := newTestServer(t)
	seller := ts.member(models.RoleUser)
	bidder := ts.member(models.RoleUser)
	since := time.Now().UTC().Add(-time.Minute)

	res := ts.do(&seller, http.MethodPost, "/marketplace/listings", map[string]any{
		"nft_id": ts.nft(seller), "seller_address": seller.address, "price": "12.00", "blockchain": "ton",
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	listing := decode[models.Listing](t, res)

	conn, _, err := ts.dialStream(bidder, url.Values{"since": {since.Format(time.RFC3339Nano)}})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	created := readActivity(t, conn)
	require.Equal(t, "listing.created", created.Action)
	require.Equal(t, listing.ID, created.EntityID)
	require.NotNil(t, created.ActorID)
	require.Equal(t, seller.id, *created.ActorID)
	require.NotEmpty(t, created.Details)

	res = ts.do(&bidder, http.MethodPost, "/marketplace/offers", map[string]any{
		"listing_id": listing.ID, "buyer_address": bidder.address, "offer_price": "10.00",
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	offer := decode[models.Offer](t, res)

	tailed := readActivity(t, conn)
	require.Equal(t, "offer.created", tailed.Action)
	require.Equal(t, offer.ID, tailed.EntityID)
}

func TestActivityStreamEntityFilter(t *testing.T) {
	ts := newTestServer(t)
	seller := ts.member(models.RoleUser)
	bidder := ts.member(models.RoleUser)
	since := time.Now().UTC().Add(-time.Minute)

	res := ts.do(&seller, http.MethodPost, "/marketplace/listings", map[string]any{
		"nft_id": ts.nft(seller), "seller_address": seller.address, "price": "5.00", "blockchain": "ton",
	})
	listing := decode[models.Listing](t, res)
	res = ts.do(&bidder, http.MethodPost, "/marketplace/offers", map[string]any{
		"listing_id": listing.ID, "buyer_address": bidder.address, "offer_price": "4.00",
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	conn, _, err := ts.dialStream(seller, url.Values{
		"since":  {since.Format(time.RFC3339Nano)},
		"entity": {"offer"},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	first := readActivity(t, conn)
	require.Equal(t, "offer", first.Entity)
	require.Equal(t, "offer.created", first.Action)
}

func TestActivityStreamRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)
	viewer := ts.member(models.RoleUser)

	res := ts.do(&viewer, http.MethodGet, "/marketplace/events/stream?since=yesterday", nil)
	requireError(t, res, http.StatusBadRequest, "invalid_input")
	res = ts.do(&viewer, http.MethodGet, "/marketplace/events/stream?entity=wallet", nil)
	requireError(t, res, http.StatusBadRequest, "invalid_input")

	_, resp, err := ts.dialStream(member{}, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
