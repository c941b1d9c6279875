package api

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"bidhub/adapters/sse"
	"bidhub/auction"
	"bidhub/models"
	"bidhub/notify"
)

var errNotImplemented = errors.New("not implemented")

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestKeys 產生測試用的 Ed25519 金鑰，回傳私鑰與 PEM 格式的公鑰
func newTestKeys(t *testing.T) (ed25519.PrivateKey, string) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return privateKey, string(block)
}

func signToken(t *testing.T, key ed25519.PrivateKey, subject string, roles []string, expiresIn time.Duration) string {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

type fakeAuctionService struct {
	createFn func(ctx context.Context, req auction.CreateAuctionRequest) (models.Auction, error)
	placeFn  func(ctx context.Context, auctionID, bidderID uuid.UUID, amount decimal.Decimal) (auction.RaiseResult, error)
	listFn   func(ctx context.Context, filter auction.ListFilter) ([]models.Auction, error)
	getFn    func(ctx context.Context, auctionID uuid.UUID) (models.Auction, error)
	closeFn  func(ctx context.Context, auctionID, requesterID uuid.UUID) (auction.CloseResult, error)
}

func (f *fakeAuctionService) CreateAuction(ctx context.Context, req auction.CreateAuctionRequest) (models.Auction, error) {
	if f.createFn == nil {
		return models.Auction{}, errNotImplemented
	}
	return f.createFn(ctx, req)
}

func (f *fakeAuctionService) PlaceOffer(ctx context.Context, auctionID, bidderID uuid.UUID, amount decimal.Decimal) (auction.RaiseResult, error) {
	if f.placeFn == nil {
		return auction.RaiseResult{}, errNotImplemented
	}
	return f.placeFn(ctx, auctionID, bidderID, amount)
}

func (f *fakeAuctionService) ListActiveAuctions(ctx context.Context, filter auction.ListFilter) ([]models.Auction, error) {
	if f.listFn == nil {
		return nil, errNotImplemented
	}
	return f.listFn(ctx, filter)
}

func (f *fakeAuctionService) GetAuction(ctx context.Context, auctionID uuid.UUID) (models.Auction, error) {
	if f.getFn == nil {
		return models.Auction{}, errNotImplemented
	}
	return f.getFn(ctx, auctionID)
}

func (f *fakeAuctionService) CloseAuction(ctx context.Context, auctionID, requesterID uuid.UUID) (auction.CloseResult, error) {
	if f.closeFn == nil {
		return auction.CloseResult{}, errNotImplemented
	}
	return f.closeFn(ctx, auctionID, requesterID)
}

type deliveredCall struct {
	recipientID uuid.UUID
	eventID     uuid.UUID
}

type fakeInbox struct {
	pendingFn func(ctx context.Context, recipientID uuid.UUID, limit int) ([]models.NotificationEvent, error)
	markFn    func(ctx context.Context, recipientID, eventID uuid.UUID) (bool, error)

	mu        sync.Mutex
	delivered []deliveredCall
}

func (f *fakeInbox) Pending(ctx context.Context, recipientID uuid.UUID, limit int) ([]models.NotificationEvent, error) {
	if f.pendingFn == nil {
		return nil, nil
	}
	return f.pendingFn(ctx, recipientID, limit)
}

func (f *fakeInbox) EachPending(ctx context.Context, recipientID uuid.UUID, fn func(models.NotificationEvent) error) error {
	events, err := f.Pending(ctx, recipientID, 0)
	if err != nil {
		return err
	}
	for _, event := range events {
		if err := fn(event); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeInbox) MarkDelivered(ctx context.Context, recipientID, eventID uuid.UUID) (bool, error) {
	f.mu.Lock()
	f.delivered = append(f.delivered, deliveredCall{recipientID: recipientID, eventID: eventID})
	f.mu.Unlock()
	if f.markFn == nil {
		return true, nil
	}
	return f.markFn(ctx, recipientID, eventID)
}

func (f *fakeInbox) deliveredCalls() []deliveredCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deliveredCall(nil), f.delivered...)
}

type testEnv struct {
	router           *gin.Engine
	handler          *Handler
	key              ed25519.PrivateKey
	priceFeed        sse.IConnectionManager[auction.PriceEvent]
	notificationFeed sse.IConnectionManager[notify.Message]
}

func newTestEnv(t *testing.T, service AuctionService, inbox NotificationInbox, opts ...HandlerOption) *testEnv {
	key, publicKeyPEM := newTestKeys(t)
	authenticator, err := NewAuthenticator(publicKeyPEM)
	require.NoError(t, err)

	priceFeed := sse.NewConnectionManager[auction.PriceEvent]()
	notificationFeed := sse.NewConnectionManager[notify.Message]()
	t.Cleanup(func() {
		priceFeed.Done()
		notificationFeed.Done()
	})

	handler, err := NewHandler(service, inbox, authenticator, priceFeed, notificationFeed, opts...)
	require.NoError(t, err)
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testEnv{
		router:           router,
		handler:          handler,
		key:              key,
		priceFeed:        priceFeed,
		notificationFeed: notificationFeed,
	}
}

func (env *testEnv) token(t *testing.T, userID uuid.UUID, roles ...string) string {
	return signToken(t, env.key, userID.String(), roles, time.Hour)
}

// do 送出請求並回傳結果，token 為空時不帶 Authorization
func (env *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *strings.Reader
	switch b := body.(type) {
	case nil:
		reader = strings.NewReader("")
	case string:
		reader = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func testAuction(ownerID uuid.UUID, price string) models.Auction {
	return models.Auction{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Title:         "Vintage camera",
		Description:   "Works fine",
		StartingPrice: decimal.RequireFromString(price),
		CurrentPrice:  decimal.RequireFromString(price),
		Status:        models.AuctionStatusActive,
		EndsAt:        time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
}

func testNotification(t *testing.T, recipientID uuid.UUID, kind models.NotificationKind, dedup string) models.NotificationEvent {
	event, err := notify.NewEvent(kind, recipientID, uuid.New(), dedup,
		notify.OutbidPayload{CurrentPrice: "1200.00"},
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return event
}
