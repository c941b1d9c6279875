package auction

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidhub/models"
	"bidhub/notify"
)

func TestResolve(t *testing.T) {
	closedAt := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	owner := uuid.New()
	bidder := uuid.New()
	base := models.Auction{
		ID:            uuid.New(),
		OwnerID:       owner,
		Title:         "Brass lamp",
		StartingPrice: decimal.NewFromInt(1000),
		CurrentPrice:  decimal.NewFromInt(1000),
		Status:        models.AuctionStatusClosed,
	}

	t.Run("no offers means no winner", func(t *testing.T) {
		resolution, err := Resolve(base, nil, closedAt, DefaultPaymentWindow)
		require.NoError(t, err)
		assert.Nil(t, resolution.WinnerID)
		assert.Nil(t, resolution.PaymentDeadline)
		assert.True(t, resolution.FinalPrice.Equal(decimal.NewFromInt(1000)))
		require.Len(t, resolution.Events, 1)
		assert.Equal(t, models.NotificationKindClosed, resolution.Events[0].Kind)
		assert.Equal(t, owner, resolution.Events[0].RecipientID)
	})

	t.Run("highest offer wins", func(t *testing.T) {
		auction := base
		auction.CurrentPrice = decimal.NewFromInt(1500)
		top := &models.Offer{ID: uuid.New(), AuctionID: auction.ID, BidderID: bidder, Amount: decimal.NewFromInt(1500)}

		resolution, err := Resolve(auction, top, closedAt, DefaultPaymentWindow)
		require.NoError(t, err)
		require.NotNil(t, resolution.WinnerID)
		assert.Equal(t, bidder, *resolution.WinnerID)
		require.NotNil(t, resolution.PaymentDeadline)
		assert.True(t, resolution.PaymentDeadline.Equal(closedAt.Add(48*time.Hour)))

		require.Len(t, resolution.Events, 2)
		won := resolution.Events[0]
		assert.Equal(t, models.NotificationKindWon, won.Kind)
		assert.Equal(t, bidder, won.RecipientID)
		assert.Equal(t, notify.WonDedupKey(auction.ID), won.DedupKey)

		var payload notify.WonPayload
		require.NoError(t, json.Unmarshal(won.Payload, &payload))
		assert.Equal(t, "1500", payload.Amount)
		assert.Equal(t, owner, payload.OwnerID)

		closed := resolution.Events[1]
		assert.Equal(t, models.NotificationKindClosed, closed.Kind)
		assert.Equal(t, owner, closed.RecipientID)
	})

	t.Run("price mismatch is an invariant violation", func(t *testing.T) {
		auction := base
		auction.CurrentPrice = decimal.NewFromInt(1600)
		top := &models.Offer{BidderID: bidder, Amount: decimal.NewFromInt(1500)}

		_, err := Resolve(auction, top, closedAt, DefaultPaymentWindow)
		assert.ErrorIs(t, err, ErrInvariantViolation)
	})

	t.Run("owner holding the top offer is an invariant violation", func(t *testing.T) {
		auction := base
		auction.CurrentPrice = decimal.NewFromInt(1500)
		top := &models.Offer{BidderID: owner, Amount: decimal.NewFromInt(1500)}

		_, err := Resolve(auction, top, closedAt, DefaultPaymentWindow)
		assert.ErrorIs(t, err, ErrInvariantViolation)
	})
}
