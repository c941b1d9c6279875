package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"bidhub/adapters/sse"
	"bidhub/auction"
	"bidhub/models"
	"bidhub/notify"
)

const (
	DefaultKeepAlive = 30 * time.Second

	defaultListLimit = 20
	maxListLimit     = 100
)

// AuctionService 拍賣相關的操作，由 auction.Service 實作
type AuctionService interface {
	CreateAuction(ctx context.Context, req auction.CreateAuctionRequest) (models.Auction, error)
	PlaceOffer(ctx context.Context, auctionID, bidderID uuid.UUID, amount decimal.Decimal) (auction.RaiseResult, error)
	ListActiveAuctions(ctx context.Context, filter auction.ListFilter) ([]models.Auction, error)
	GetAuction(ctx context.Context, auctionID uuid.UUID) (models.Auction, error)
	CloseAuction(ctx context.Context, auctionID, requesterID uuid.UUID) (auction.CloseResult, error)
}

// NotificationInbox 通知的拉取與確認，由 notify.Inbox 實作
type NotificationInbox interface {
	Pending(ctx context.Context, recipientID uuid.UUID, limit int) ([]models.NotificationEvent, error)
	EachPending(ctx context.Context, recipientID uuid.UUID, fn func(models.NotificationEvent) error) error
	MarkDelivered(ctx context.Context, recipientID, eventID uuid.UUID) (bool, error)
}

var (
	_ AuctionService    = (*auction.Service)(nil)
	_ NotificationInbox = (*notify.Inbox)(nil)
)

type handlerOptions struct {
	logger    *slog.Logger
	keepAlive time.Duration
}

type HandlerOption func(*handlerOptions)

// WithHandlerLogger 設置日誌記錄器
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(o *handlerOptions) {
		o.logger = logger
	}
}

// WithHandlerKeepAlive 設置即時連線在沒有事件時送出保活訊號的間隔
func WithHandlerKeepAlive(d time.Duration) HandlerOption {
	return func(o *handlerOptions) {
		o.keepAlive = d
	}
}

// Handler HTTP 介面
type Handler struct {
	auctions         AuctionService
	inbox            NotificationInbox
	auth             *Authenticator
	priceFeed        sse.IConnectionManager[auction.PriceEvent]
	notificationFeed sse.IConnectionManager[notify.Message]
	upgrader         websocket.Upgrader
	logger           *slog.Logger
	options          handlerOptions
}

func NewHandler(
	auctions AuctionService,
	inbox NotificationInbox,
	auth *Authenticator,
	priceFeed sse.IConnectionManager[auction.PriceEvent],
	notificationFeed sse.IConnectionManager[notify.Message],
	opts ...HandlerOption,
) (*Handler, error) {
	if auctions == nil || inbox == nil || auth == nil {
		return nil, errors.New("auction service, inbox and authenticator cannot be nil")
	}
	if priceFeed == nil || notificationFeed == nil {
		return nil, errors.New("connection managers cannot be nil")
	}

	// 默認選項
	options := handlerOptions{
		logger:    slog.Default(),
		keepAlive: DefaultKeepAlive,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}
	if options.keepAlive <= 0 {
		return nil, errors.New("keep alive interval must be positive")
	}

	return &Handler{
		auctions:         auctions,
		inbox:            inbox,
		auth:             auth,
		priceFeed:        priceFeed,
		notificationFeed: notificationFeed,
		logger:           options.logger.With(slog.String("caller", "Handler")),
		options:          options,
	}, nil
}

// RegisterRoutes 註冊所有路由
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/auctions", h.ListAuctions)
	router.GET("/auctions/:id", h.GetAuction)
	router.GET("/auctions/:id/events", h.AuctionEvents)

	authorized := router.Group("", h.auth.RequireAuth())
	authorized.POST("/auctions", h.CreateAuction)
	authorized.POST("/auctions/:id/offers", h.PlaceOffer)
	authorized.POST("/auctions/:id/close", h.CloseAuction)
	authorized.GET("/notifications", h.ListNotifications)
	authorized.POST("/notifications/:id/delivered", h.MarkDelivered)
	authorized.GET("/notifications/events", h.NotificationEvents)
	authorized.GET("/notifications/ws", h.NotificationSocket)
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error("request failed",
		slog.String("op", op),
		slog.String("path", c.FullPath()),
		slog.Any("error", err))
	c.JSON(http.StatusInternalServerError, errorResponse{Message: "Internal server error"})
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Message: "Unauthorized"})
	}
	return userID, ok
}

// Add a new auction
// (POST /auctions)
func (h *Handler) CreateAuction(c *gin.Context) {
	const op = "CreateAuction"
	claims, _ := CurrentClaims(c)
	if !IsSeller(claims) {
		c.JSON(http.StatusForbidden, errorResponse{Message: "Only sellers can create auctions"})
		return
	}
	ownerID, ok := currentUser(c)
	if !ok {
		return
	}
	var body createAuctionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request body"})
		return
	}
	startingPrice, err := decimal.NewFromString(body.StartingPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid starting price"})
		return
	}

	created, err := h.auctions.CreateAuction(c.Request.Context(), auction.CreateAuctionRequest{
		OwnerID:       ownerID,
		Title:         body.Title,
		Description:   body.Description,
		StartingPrice: startingPrice,
		DurationHours: body.DurationHours,
	})
	if err != nil {
		if errors.Is(err, auction.ErrInvalidAuction) {
			c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
			return
		}
		h.internalError(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, newAuctionResponse(created))
}

// Place an offer on an auction
// (POST /auctions/:id/offers)
func (h *Handler) PlaceOffer(c *gin.Context) {
	const op = "PlaceOffer"
	auctionID, ok := pathID(c)
	if !ok {
		return
	}
	bidderID, ok := currentUser(c)
	if !ok {
		return
	}
	var body placeOfferRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid request body"})
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, placeOfferResponse{
			Outcome: auction.OutcomeRejected.String(),
			Reason:  string(auction.ReasonInvalidAmount),
		})
		return
	}

	result, err := h.auctions.PlaceOffer(c.Request.Context(), auctionID, bidderID, amount)
	if err != nil {
		if errors.Is(err, auction.ErrAuctionNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Message: "Auction not found"})
			return
		}
		h.internalError(c, op, err)
		return
	}

	switch result.Outcome {
	case auction.OutcomeSuccess:
		offer := newOfferResponse(*result.Offer)
		c.JSON(http.StatusCreated, placeOfferResponse{
			Outcome:      result.Outcome.String(),
			CurrentPrice: result.NewPrice.StringFixed(amountPlaces),
			Offer:        &offer,
		})
	case auction.OutcomeConflict:
		current := result.CurrentPrice.StringFixed(amountPlaces)
		c.JSON(http.StatusConflict, placeOfferResponse{
			Outcome:      result.Outcome.String(),
			CurrentPrice: current,
			Message:      fmt.Sprintf("someone just outbid you, current price is %s", current),
		})
	default:
		c.JSON(http.StatusUnprocessableEntity, placeOfferResponse{
			Outcome:      result.Outcome.String(),
			CurrentPrice: result.CurrentPrice.StringFixed(amountPlaces),
			Reason:       string(result.Reason),
		})
	}
}

// List active auctions with their offer history
// (GET /auctions)
func (h *Handler) ListAuctions(c *gin.Context) {
	const op = "ListAuctions"
	filter := auction.ListFilter{Limit: defaultListLimit}
	if owner := c.Query("owner"); owner != "" {
		ownerID, err := uuid.Parse(owner)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid owner"})
			return
		}
		filter.OwnerID = &ownerID
	}
	if after := c.Query("after"); after != "" {
		afterID, err := uuid.Parse(after)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid cursor"})
			return
		}
		filter.After = &afterID
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 || n > maxListLimit {
			c.JSON(http.StatusBadRequest, errorResponse{Message: fmt.Sprintf("limit must be between 1 and %d", maxListLimit)})
			return
		}
		filter.Limit = n
	}

	auctions, err := h.auctions.ListActiveAuctions(c.Request.Context(), filter)
	if err != nil {
		h.internalError(c, op, err)
		return
	}
	response := listAuctionsResponse{
		Auctions: lo.Map(auctions, func(a models.Auction, _ int) auctionResponse {
			return newAuctionResponse(a)
		}),
	}
	if len(auctions) == filter.Limit {
		response.NextCursor = lo.ToPtr(auctions[len(auctions)-1].ID)
	}
	c.JSON(http.StatusOK, response)
}

// Get an auction
// (GET /auctions/:id)
func (h *Handler) GetAuction(c *gin.Context) {
	const op = "GetAuction"
	auctionID, ok := pathID(c)
	if !ok {
		return
	}
	found, err := h.auctions.GetAuction(c.Request.Context(), auctionID)
	if err != nil {
		if errors.Is(err, auction.ErrAuctionNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Message: "Auction not found"})
			return
		}
		h.internalError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, newAuctionResponse(found))
}

// Close an auction before it ends
// (POST /auctions/:id/close)
func (h *Handler) CloseAuction(c *gin.Context) {
	const op = "CloseAuction"
	auctionID, ok := pathID(c)
	if !ok {
		return
	}
	requesterID, ok := currentUser(c)
	if !ok {
		return
	}
	result, err := h.auctions.CloseAuction(c.Request.Context(), auctionID, requesterID)
	if err != nil {
		switch {
		case errors.Is(err, auction.ErrAuctionNotFound):
			c.JSON(http.StatusNotFound, errorResponse{Message: "Auction not found"})
		case errors.Is(err, auction.ErrNotOwner):
			c.JSON(http.StatusForbidden, errorResponse{Message: "Only the owner can close the auction"})
		default:
			h.internalError(c, op, err)
		}
		return
	}
	c.JSON(http.StatusOK, newCloseAuctionResponse(result))
}

// List undelivered notifications
// (GET /notifications)
func (h *Handler) ListNotifications(c *gin.Context) {
	const op = "ListNotifications"
	recipientID, ok := currentUser(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Message: "Invalid limit"})
			return
		}
		limit = n
	}
	events, err := h.inbox.Pending(c.Request.Context(), recipientID, limit)
	if err != nil {
		h.internalError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, lo.Map(events, func(event models.NotificationEvent, _ int) notify.Message {
		return notify.MessageFromEvent(event)
	}))
}

// Acknowledge a notification
// (POST /notifications/:id/delivered)
func (h *Handler) MarkDelivered(c *gin.Context) {
	const op = "MarkDelivered"
	eventID, ok := pathID(c)
	if !ok {
		return
	}
	recipientID, ok := currentUser(c)
	if !ok {
		return
	}
	delivered, err := h.inbox.MarkDelivered(c.Request.Context(), recipientID, eventID)
	if err != nil {
		if errors.Is(err, notify.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Message: "Notification not found"})
			return
		}
		h.internalError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, markDeliveredResponse{Delivered: delivered})
}
