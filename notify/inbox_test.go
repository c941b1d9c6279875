package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidhub/models"
)

func TestInbox_Publish_Dedup(t *testing.T) {
	db, teardown := setupDB(t)
	defer teardown()
	inbox, err := NewInbox(db)
	require.NoError(t, err)
	ctx := context.Background()

	recipient := uuid.New()
	auctionID := uuid.New()
	first := newTestEvent(t, models.NotificationKindWon, recipient, WonDedupKey(auctionID), baseTime)
	// 同一個邏輯事件重新產生時 ID 不同但 DedupKey 相同
	retry := newTestEvent(t, models.NotificationKindWon, recipient, WonDedupKey(auctionID), baseTime.Add(time.Second))

	require.NoError(t, inbox.Publish(ctx, first))
	require.NoError(t, inbox.Publish(ctx, retry))
	require.NoError(t, inbox.Publish(ctx, first))
	require.NoError(t, inbox.Publish(ctx))

	pending, err := inbox.Pending(ctx, recipient, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)
}

func TestInbox_Publish_DefaultsDedupKeyToEventID(t *testing.T) {
	db, teardown := setupDB(t)
	defer teardown()
	inbox, err := NewInbox(db)
	require.NoError(t, err)
	ctx := context.Background()

	recipient := uuid.New()
	first := newTestEvent(t, models.NotificationKindOutbid, recipient, "", baseTime)
	second := newTestEvent(t, models.NotificationKindOutbid, recipient, "", baseTime.Add(time.Second))
	require.NotEqual(t, first.ID, second.ID)

	require.NoError(t, inbox.Publish(ctx, first))
	require.NoError(t, inbox.Publish(ctx, second))
	// 重複發布同一個事件
	require.NoError(t, inbox.Publish(ctx, first))

	// 沒有 ID 的事件會在寫入前產生 ID
	withoutID := newTestEvent(t, models.NotificationKindWon, recipient, "", baseTime.Add(2*time.Second))
	withoutID.ID = uuid.Nil
	events := []models.NotificationEvent{withoutID}
	require.NoError(t, inbox.Publish(ctx, events...))
	require.NotEqual(t, uuid.Nil, events[0].ID)
	assert.Equal(t, events[0].ID.String(), events[0].DedupKey)

	pending, err := inbox.Pending(ctx, recipient, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, first.ID.String(), pending[0].DedupKey)
	assert.Equal(t, second.ID, pending[1].ID)
	assert.Equal(t, events[0].ID, pending[2].ID)
}

func TestInbox_Publish_SameIDDifferentKey(t *testing.T) {
	db, teardown := setupDB(t)
	defer teardown()
	inbox, err := NewInbox(db)
	require.NoError(t, err)
	ctx := context.Background()

	recipient := uuid.New()
	event := newTestEvent(t, models.NotificationKindWon, recipient, "won:1", baseTime)
	require.NoError(t, inbox.Publish(ctx, event))

	event.DedupKey = "won:2"
	require.NoError(t, inbox.Publish(ctx, event))

	pending, err := inbox.Pending(ctx, recipient, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "won:1", pending[0].DedupKey)
}

func TestInbox_Pending(t *testing.T) {
	db, teardown := setupDB(t)
	defer teardown()
	inbox, err := NewInbox(db)
	require.NoError(t, err)
	ctx := context.Background()

	alice, bob := uuid.New(), uuid.New()
	later := newTestEvent(t, models.NotificationKindOutbid, alice, "outbid:1", baseTime.Add(time.Minute))
	earlier := newTestEvent(t, models.NotificationKindOutbid, alice, "outbid:2", baseTime)
	other := newTestEvent(t, models.NotificationKindWon, bob, "won:1", baseTime)
	require.NoError(t, inbox.Publish(ctx, later, earlier, other))

	pending, err := inbox.Pending(ctx, alice, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, earlier.ID, pending[0].ID)
	assert.Equal(t, later.ID, pending[1].ID)

	pending, err = inbox.Pending(ctx, alice, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, earlier.ID, pending[0].ID)

	pending, err = inbox.Pending(ctx, uuid.New(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestInbox_MarkDelivered(t *testing.T) {
	db, teardown := setupDB(t)
	defer teardown()
	inbox, err := NewInbox(db, WithInboxClock(func() time.Time { return baseTime }))
	require.NoError(t, err)
	ctx := context.Background()

	recipient := uuid.New()
	event := newTestEvent(t, models.NotificationKindWon, recipient, "won:1", baseTime)
	require.NoError(t, inbox.Publish(ctx, event))

	tests := []struct {
		name      string
		recipient uuid.UUID
		eventID   uuid.UUID
		want      bool
		wantErr   error
	}{
		{name: "first delivery", recipient: recipient, eventID: event.ID, want: true},
		{name: "second delivery is a no-op", recipient: recipient, eventID: event.ID, want: false},
		{name: "someone else's event", recipient: uuid.New(), eventID: event.ID, wantErr: ErrEventNotFound},
		{name: "unknown event", recipient: recipient, eventID: uuid.New(), wantErr: ErrEventNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := inbox.MarkDelivered(ctx, tt.recipient, tt.eventID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	pending, err := inbox.Pending(ctx, recipient, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var stored models.NotificationEvent
	require.NoError(t, db.First(&stored, "id = ?", event.ID).Error)
	assert.True(t, stored.Delivered)
	require.NotNil(t, stored.DeliveredAt)
	assert.True(t, baseTime.Equal(*stored.DeliveredAt))
}

func TestNewInbox_NilDB(t *testing.T) {
	inbox, err := NewInbox(nil)
	assert.ErrorContains(t, err, "db cannot be nil")
	assert.Nil(t, inbox)
}

func TestInbox_EachPending(t *testing.T) {
	db, teardown := setupDB(t)
	defer teardown()
	inbox, err := NewInbox(db)
	require.NoError(t, err)
	ctx := context.Background()

	recipient := uuid.New()
	const total = 2*DefaultPendingLimit + 5
	published := make([]models.NotificationEvent, 0, total)
	for n := 0; n < total; n++ {
		// 每兩則共用同一個建立時間，排序需要依靠 ID
		at := baseTime.Add(time.Duration(n/2) * time.Second)
		published = append(published, newTestEvent(t, models.NotificationKindOutbid, recipient, fmt.Sprintf("outbid:%d", n), at))
	}
	require.NoError(t, inbox.Publish(ctx, published...))
	require.NoError(t, inbox.Publish(ctx, newTestEvent(t, models.NotificationKindWon, uuid.New(), "won:other", baseTime)))

	first, err := inbox.Pending(ctx, recipient, 0)
	require.NoError(t, err)
	require.Len(t, first, DefaultPendingLimit)

	next, err := inbox.PendingAfter(ctx, recipient, CursorOf(first[len(first)-1]), 0)
	require.NoError(t, err)
	require.Len(t, next, DefaultPendingLimit)
	assert.NotContains(t, first, next[0])

	var seen []uuid.UUID
	err = inbox.EachPending(ctx, recipient, func(event models.NotificationEvent) error {
		seen = append(seen, event.ID)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, total)
	assert.ElementsMatch(t, lo.Map(published, func(event models.NotificationEvent, _ int) uuid.UUID { return event.ID }), seen)
	assert.Len(t, lo.Uniq(seen), total)

	// fn 回傳錯誤時停止走訪
	stop := errors.New("stop")
	calls := 0
	err = inbox.EachPending(ctx, recipient, func(models.NotificationEvent) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
