package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Role は認証済み主体の役割を表す。役割ごとにIDの名前空間が分かれている。
type Role string

const (
	// RoleUser は一般利用者（住民）を表す。
	RoleUser Role = "user"
	// RoleStaff は対応スタッフを表す。
	RoleStaff Role = "staff"
	// RoleAdmin は管理者を表す。
	RoleAdmin Role = "admin"
)

// Valid は既知の役割かどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleStaff, RoleAdmin:
		return true
	}
	return false
}

// Identity はトークン検証によって得られる認証済み主体。
// ハンドシェイク時に一度だけ導出され、コアが永続化することはない。
type Identity struct {
	// Role は主体の役割。
	Role Role `json:"role"`
	// ID は役割の名前空間内での数値ID。
	ID int64 `json:"id"`
	// Email はメールアドレス（ログ用、任意）。
	Email string `json:"email,omitempty"`
	// Name は表示名（ログ用、任意）。
	Name string `json:"name,omitempty"`
}

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// ID は主体の数値ID。正の値でなければ拒否される。
	ID int64 `json:"id"`
	// Role は主体の役割。未知の値や欠落は拒否される。
	Role string `json:"role"`
	// Email はメールアドレス。
	Email string `json:"email,omitempty"`
	// Name は表示名。
	Name string `json:"name,omitempty"`
}

var (
	// ErrMissingToken はトークンが指定されていないことを表す。
	ErrMissingToken = errors.New("トークンが指定されていません")
	// ErrInvalidToken は署名不正や形式不正のトークンを表す。
	ErrInvalidToken = errors.New("トークンが無効です")
	// ErrExpiredToken は有効期限切れのトークンを表す。
	ErrExpiredToken = errors.New("トークンの有効期限が切れています")
	// ErrInvalidRole はroleクレームが欠落しているか未知の値であることを表す。
	ErrInvalidRole = errors.New("トークンの役割が不正です")
)

// contextKeyIdentity はGinコンテキストにIdentityを格納するキー。
const contextKeyIdentity = "identity"

// GenerateJWT は主体情報からHS256署名のJWTトークンを生成する。
// トークン発行は認証サービスの責務であり、ここではテストと開発用ツールのために提供する。
func GenerateJWT(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "soteros-auth",
		},
		ID:    id.ID,
		Role:  string(id.Role),
		Email: id.Email,
		Name:  id.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// VerifyToken はトークンを共有シークレットで検証し、Identityを取り出す。
// 副作用を持たない純粋な関数で、HTTP APIとライブチャネルの両方から使用する。
func VerifyToken(secret, tokenString string) (Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	role := Role(claims.Role)
	if !role.Valid() {
		return Identity{}, ErrInvalidRole
	}
	if claims.ID <= 0 {
		return Identity{}, fmt.Errorf("%w: idクレームが不正です", ErrInvalidToken)
	}

	return Identity{
		Role:  role,
		ID:    claims.ID,
		Email: claims.Email,
		Name:  claims.Name,
	}, nil
}

// RejectReason は検証エラーをクライアントへ返すメッセージに変換する。
// 内部の詳細（パーサーのエラー文言）は含めない。
func RejectReason(err error) string {
	for _, sentinel := range []error{ErrMissingToken, ErrExpiredToken, ErrInvalidRole, ErrInvalidToken} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ErrInvalidToken.Error()
}

// JWTAuth はBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにIdentityを設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		identity, err := VerifyToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": RejectReason(err),
			})
			return
		}

		SetIdentity(c, identity)
		c.Next()
	}
}

// RequireRole は指定した役割以外のリクエストを403で拒否するGinミドルウェアを返す。
// JWTAuthの後に適用すること。
func RequireRole(roles ...Role) gin.HandlerFunc {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "認証情報が取得できません",
			})
			return
		}
		if _, ok := allowed[identity.Role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "この操作を行う権限がありません",
			})
			return
		}
		c.Next()
	}
}

// SetIdentity はGinコンテキストにIdentityを設定する。
func SetIdentity(c *gin.Context, identity Identity) {
	c.Set(contextKeyIdentity, identity)
}

// GetIdentity はGinコンテキストからIdentityを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return Identity{}, false
	}
	identity, ok := v.(Identity)
	return identity, ok
}
