package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestBillingEventRepo_MarkProcessed_FirstDeliveryClaims(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewBillingEventRepo(dbtx)

	var capturedSQL string
	dbtx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			capturedSQL = args.String(1)
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	claimed, err := repo.MarkProcessed(context.Background(), "evt_1", "invoice.paid")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Contains(t, capturedSQL, "ON CONFLICT (event_id) DO NOTHING")
}

func TestBillingEventRepo_MarkProcessed_ReplayDoesNotClaim(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewBillingEventRepo(dbtx)

	dbtx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	claimed, err := repo.MarkProcessed(context.Background(), "evt_1", "invoice.paid")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestBillingEventRepo_DeleteOlderThan(t *testing.T) {
	dbtx := new(mockDBTX)
	repo := NewBillingEventRepo(dbtx)

	dbtx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 9"), nil)

	n, err := repo.DeleteOlderThan(context.Background(), time.Now().AddDate(0, -3, 0), 500)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}
