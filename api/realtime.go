package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bidhub/auction"
	"bidhub/models"
	"bidhub/notify"
)

const (
	socketWriteTimeout = 10 * time.Second
	socketReadLimit    = 4096
)

func startEventStream(c *gin.Context) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()
}

func keepAlive(c *gin.Context) {
	// 沒有事件時發送註解行，確保瀏覽器和 proxy 不會斷開連線
	c.Writer.WriteString(": keepalive\n\n")
	c.Writer.Flush()
}

// Live price feed of an auction
// (GET /auctions/:id/events)
func (h *Handler) AuctionEvents(c *gin.Context) {
	const op = "AuctionEvents"
	auctionID, ok := pathID(c)
	if !ok {
		return
	}
	// 先訂閱再讀取目前價格，避免兩者之間的價格變動被漏掉
	channel := auctionID.String()
	ch, err := h.priceFeed.Subscribe(channel)
	if err != nil {
		h.internalError(c, op, err)
		return
	}
	defer h.priceFeed.Unsubscribe(channel, ch)

	found, err := h.auctions.GetAuction(c.Request.Context(), auctionID)
	if err != nil {
		if errors.Is(err, auction.ErrAuctionNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Message: "Auction not found"})
			return
		}
		h.internalError(c, op, err)
		return
	}
	if !found.IsActive() {
		c.JSON(http.StatusGone, errorResponse{Message: "Auction has ended"})
		return
	}

	startEventStream(c)
	c.SSEvent("snapshot", newAuctionResponse(found))
	c.Writer.Flush()

	ticker := time.NewTicker(h.options.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(string(event.Kind), event)
			c.Writer.Flush()
			if event.Kind == auction.PriceEventClosed {
				return
			}
		case <-ticker.C:
			keepAlive(c)
		}
	}
}

// subscribeNotifications 先訂閱即時推送，之後才以 EachPending 補發未送達的通知
// 兩者重疊的部分交由 Reconciler 過濾
func (h *Handler) subscribeNotifications(recipientID uuid.UUID) (<-chan notify.Message, func(), error) {
	channel := recipientID.String()
	ch, err := h.notificationFeed.Subscribe(channel)
	if err != nil {
		return nil, nil, err
	}
	return ch, func() { h.notificationFeed.Unsubscribe(channel, ch) }, nil
}

// Real-time notifications over SSE
// (GET /notifications/events)
func (h *Handler) NotificationEvents(c *gin.Context) {
	const op = "NotificationEvents"
	recipientID, ok := currentUser(c)
	if !ok {
		return
	}
	ch, unsubscribe, err := h.subscribeNotifications(recipientID)
	if err != nil {
		h.internalError(c, op, err)
		return
	}
	defer unsubscribe()

	reconciler := notify.NewReconciler(notify.DefaultReconcilerCapacity)
	send := func(message notify.Message) {
		if !reconciler.Accept(message.ID) {
			return
		}
		c.SSEvent(string(message.Kind), message)
	}

	startEventStream(c)
	err = h.inbox.EachPending(c.Request.Context(), recipientID, func(event models.NotificationEvent) error {
		send(notify.MessageFromEvent(event))
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		h.logger.Error("Fail to replay pending notifications",
			slog.String("op", op),
			slog.String("recipientID", recipientID.String()),
			slog.Any("error", err))
		return
	}
	c.Writer.Flush()

	ticker := time.NewTicker(h.options.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case message, ok := <-ch:
			if !ok {
				return
			}
			send(message)
			c.Writer.Flush()
		case <-ticker.C:
			keepAlive(c)
		}
	}
}

// Real-time notifications over WebSocket
// 客戶端可以送出 {"type":"ack","id":"..."} 確認通知已送達
// (GET /notifications/ws)
func (h *Handler) NotificationSocket(c *gin.Context) {
	const op = "NotificationSocket"
	recipientID, ok := currentUser(c)
	if !ok {
		return
	}
	ch, unsubscribe, err := h.subscribeNotifications(recipientID)
	if err != nil {
		h.internalError(c, op, err)
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 失敗時已經回應錯誤給客戶端
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	var wg sync.WaitGroup
	defer wg.Wait()
	defer conn.Close()
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	logger := h.logger.With(slog.String("recipientID", recipientID.String()))
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.readAcks(ctx, conn, recipientID, logger)
	}()

	reconciler := notify.NewReconciler(notify.DefaultReconcilerCapacity)
	send := func(message notify.Message) error {
		if !reconciler.Accept(message.ID) {
			return nil
		}
		conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
		return conn.WriteJSON(message)
	}
	err = h.inbox.EachPending(ctx, recipientID, func(event models.NotificationEvent) error {
		return send(notify.MessageFromEvent(event))
	})
	if err != nil {
		logger.Debug("websocket replay stopped", slog.Any("error", err))
		return
	}

	ticker := time.NewTicker(h.options.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(socketWriteTimeout))
				return
			}
			if err := send(message); err != nil {
				logger.Debug("websocket write failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteTimeout)); err != nil {
				logger.Debug("websocket ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

// readAcks 讀取客戶端的確認訊息直到連線中斷
func (h *Handler) readAcks(ctx context.Context, conn *websocket.Conn, recipientID uuid.UUID, logger *slog.Logger) {
	deadline := func() time.Time { return time.Now().Add(2 * h.options.keepAlive) }
	conn.SetReadLimit(socketReadLimit)
	conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read stopped", slog.Any("error", err))
			}
			return
		}
		conn.SetReadDeadline(deadline())

		var ack socketAck
		if err := json.Unmarshal(data, &ack); err != nil || ack.Type != "ack" {
			logger.Debug("ignore unknown websocket message")
			continue
		}
		if _, err := h.inbox.MarkDelivered(ctx, recipientID, ack.ID); err != nil {
			logger.Warn("mark notification delivered error",
				slog.String("eventID", ack.ID.String()),
				slog.Any("error", err))
		}
	}
}
