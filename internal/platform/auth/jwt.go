package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const payerContextKey contextKey = "payer"

// Payer is the authenticated identity the settlement core consumes from the
// HTTP layer. Token issuance lives outside this repository; only
// verification happens here.
type Payer struct {
	ID    string
	Email string
	Role  string
}

type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) ParsePayer(tokenString string) (Payer, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return Payer{}, errors.New("invalid token")
	}

	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	role, _ := claims["role"].(string)
	if sub == "" || role == "" {
		return Payer{}, errors.New("missing payer claims")
	}
	return Payer{ID: sub, Email: email, Role: role}, nil
}

func WithPayer(ctx context.Context, payer Payer) context.Context {
	return context.WithValue(ctx, payerContextKey, payer)
}

func PayerFromContext(ctx context.Context) (Payer, bool) {
	v, ok := ctx.Value(payerContextKey).(Payer)
	return v, ok
}

// HTTPJWTMiddleware resolves the bearer token into a Payer on the request
// context. Paths in skipPaths pass through unauthenticated (health, metrics).
func HTTPJWTMiddleware(verifier *JWTVerifier, next http.Handler, skipPaths []string) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tok := strings.TrimPrefix(h, "Bearer ")
		payer, err := verifier.ParsePayer(tok)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPayer(r.Context(), payer)))
	})
}
