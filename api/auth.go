package api

import (
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	RoleSeller = "seller"

	accessTokenCookie = "access_token"
	claimsContextKey  = "claims"
)

var (
	ErrMissingToken = errors.New("missing access token")
)

// Claims access token 的內容，subject 為使用者 ID
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// UserID 取得 subject 中的使用者 ID
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// IsSeller 檢查使用者是否具有建立拍賣的權限
func IsSeller(claims *Claims) bool {
	return claims != nil && lo.Contains(claims.Roles, RoleSeller)
}

// Authenticator 驗證由身分服務簽發的 Ed25519 access token
type Authenticator struct {
	publicKey crypto.PublicKey
}

func NewAuthenticator(publicKeyPEM string) (*Authenticator, error) {
	const op = "NewAuthenticator"
	publicKey, err := jwt.ParseEdPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse public key, err=%w", op, err)
	}
	return &Authenticator{publicKey: publicKey}, nil
}

func (a *Authenticator) ParseAndValidate(tokenString string) (*Claims, error) {
	const op = "ParseAndValidate"
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.publicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse token, err=%w", op, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("[%s] token claims are invalid", op)
	}
	if _, err := claims.UserID(); err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse subject, err=%w", op, err)
	}
	return claims, nil
}

// tokenFromRequest 優先使用 Authorization header，其次使用 cookie (瀏覽器的 EventSource 無法設置 header)
func tokenFromRequest(c *gin.Context) (string, error) {
	if header := c.GetHeader("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return "", ErrMissingToken
		}
		return token, nil
	}
	token, err := c.Cookie(accessTokenCookie)
	if err != nil || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// RequireAuth 驗證 access token，通過後將 Claims 存入 gin.Context
func (a *Authenticator) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := tokenFromRequest(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Message: "Unauthorized"})
			return
		}
		claims, err := a.ParseAndValidate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Message: "Invalid access token"})
			return
		}
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// CurrentClaims 取得 RequireAuth 存入的 Claims
func CurrentClaims(c *gin.Context) (*Claims, bool) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*Claims)
	return claims, ok
}

// CurrentUserID 取得目前使用者的 ID
func CurrentUserID(c *gin.Context) (uuid.UUID, bool) {
	claims, ok := CurrentClaims(c)
	if !ok {
		return uuid.Nil, false
	}
	userID, err := claims.UserID()
	if err != nil {
		return uuid.Nil, false
	}
	return userID, true
}
