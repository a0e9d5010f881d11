package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

func setupAuth(t *testing.T) {
	t.Helper()
	SetJWTSecret("test-secret")
	if err := SetAdminCredentials("admin", "hunter2", ""); err != nil {
		t.Fatalf("SetAdminCredentials failed: %v", err)
	}
}

func TestVerifyAdmin(t *testing.T) {
	setupAuth(t)

	if !VerifyAdmin("admin", "hunter2") {
		t.Error("VerifyAdmin with correct credentials = false")
	}
	if VerifyAdmin("admin", "wrong") {
		t.Error("VerifyAdmin with wrong password = true")
	}
	if VerifyAdmin("root", "hunter2") {
		t.Error("VerifyAdmin with wrong username = true")
	}
}

func TestGenerateAndParseJWT(t *testing.T) {
	setupAuth(t)

	token, err := GenerateJWT("admin")
	if err != nil {
		t.Fatalf("GenerateJWT failed: %v", err)
	}

	claims, err := parseJWT(token)
	if err != nil {
		t.Fatalf("parseJWT failed: %v", err)
	}
	if claims.Username != "admin" {
		t.Errorf("Username = %q, want admin", claims.Username)
	}
	if claims.Issuer != "solwatch" {
		t.Errorf("Issuer = %q, want solwatch", claims.Issuer)
	}
}

func TestParseJWT_WrongSecret(t *testing.T) {
	SetJWTSecret("secret-a")
	token, err := GenerateJWT("admin")
	if err != nil {
		t.Fatalf("GenerateJWT failed: %v", err)
	}

	SetJWTSecret("secret-b")
	if _, err := parseJWT(token); err == nil {
		t.Error("parseJWT with wrong secret succeeded")
	}
}

func jwtTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", JWTMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString("username")})
	})
	return r
}

func TestJWTMiddleware(t *testing.T) {
	setupAuth(t)
	r := jwtTestRouter()

	token, err := GenerateJWT("admin")
	if err != nil {
		t.Fatalf("GenerateJWT failed: %v", err)
	}

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"garbage token", "Bearer not.a.jwt", http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestSetAdminCredentials_PrecomputedHash(t *testing.T) {
	// A hash from config is used as-is; the plain password is ignored.
	hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword failed: %v", err)
	}
	if err := SetAdminCredentials("admin", "plain", string(hash)); err != nil {
		t.Fatalf("SetAdminCredentials failed: %v", err)
	}
	if !VerifyAdmin("admin", "password") {
		t.Error("VerifyAdmin against precomputed hash = false")
	}
	if VerifyAdmin("admin", "plain") {
		t.Error("VerifyAdmin accepted the ignored plain password")
	}
}
