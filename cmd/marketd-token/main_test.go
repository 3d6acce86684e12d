package main

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"nftmarket/services/marketd/models"
)

func TestMintedTokenVerifies(t *testing.T) {
	subject := uuid.New()
	token, err := mint("dev-secret", mintOptions{
		Subject:  subject.String(),
		Role:     models.RoleService,
		Issuer:   "marketd-dev",
		Audience: []string{"marketplace"},
		TTL:      time.Hour,
	})
	require.NoError(t, err)

	principal, err := verify("dev-secret", "marketd-dev", []string{"marketplace"}, token)
	require.NoError(t, err)
	require.Equal(t, subject, principal.UserID)
	require.Equal(t, models.RoleService, principal.Role)

	_, err = verify("other-secret", "marketd-dev", nil, token)
	require.Error(t, err)
	_, err = verify("dev-secret", "someone-else", nil, token)
	require.Error(t, err)
}

func TestMintRejectsBadInput(t *testing.T) {
	_, err := mint("k", mintOptions{Subject: "not-a-uuid", Role: models.RoleUser, TTL: time.Minute})
	require.Error(t, err)
	_, err = mint("k", mintOptions{Role: "root", TTL: time.Minute})
	require.Error(t, err)
	_, err = mint("k", mintOptions{Role: models.RoleUser})
	require.Error(t, err)

	expired, err := mint("k", mintOptions{Role: models.RoleUser, TTL: time.Minute, Now: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	_, err = verify("k", "", nil, expired)
	require.Error(t, err)
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	require.Nil(t, splitList(""))
}
