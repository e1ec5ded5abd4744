package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func signedRequest(t *testing.T, s testSigner, method, uri, body string) *http.Request {
	t.Helper()
	ts := fixedNow.Unix()
	req, _ := http.NewRequest(method, uri, strings.NewReader(body))
	req.Header.Set(HeaderSigner, s.key.String())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(s.priv, method, uri, ts, []byte(body)))
	return req
}

// --- Middleware() ---

func TestMiddleware_ValidSignature_SetsContext(t *testing.T) {
	s := newSigner(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = signedRequest(t, s, "POST", "/v1/escrows", `{"seller":"abc"}`)

	Middleware(fixedVerifier())(c)

	got, ok := GetSigner(c)
	if !ok {
		t.Fatal("Expected signer to be set in context")
	}
	if got != s.key {
		t.Errorf("Expected %s, got %s", s.key, got)
	}
}

func TestMiddleware_BodyStillReadable(t *testing.T) {
	s := newSigner(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = signedRequest(t, s, "POST", "/v1/escrows", `{"seller":"abc"}`)

	Middleware(fixedVerifier())(c)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"seller":"abc"}` {
		t.Errorf("body not restored: %q", body)
	}
}

func TestMiddleware_InvalidSignature_DoesNotAbort(t *testing.T) {
	s := newSigner(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = signedRequest(t, s, "POST", "/v1/escrows", `{"seller":"abc"}`)
	c.Request.Header.Set(HeaderSignature, "1111")

	Middleware(fixedVerifier())(c)

	if c.IsAborted() {
		t.Error("Middleware should not abort on invalid signature")
	}
	if IsAuthenticated(c) {
		t.Error("Invalid signature must not authenticate")
	}
	if c.GetString(ContextKeyAuthError) == "" {
		t.Error("Expected auth error reason to be recorded")
	}
}

func TestMiddleware_NoHeaders_PassesThrough(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/v1/escrows/1", nil)

	Middleware(fixedVerifier())(c)

	if IsAuthenticated(c) || c.IsAborted() {
		t.Error("Unsigned request should pass through unauthenticated")
	}
}

// --- RequireAuth() ---

func TestRequireAuth_RejectsUnsigned(t *testing.T) {
	r := gin.New()
	r.Use(Middleware(fixedVerifier()))
	r.POST("/v1/escrows", RequireAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/escrows", strings.NewReader(`{}`))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestRequireAuth_ReportsReason(t *testing.T) {
	s := newSigner(t)
	r := gin.New()
	r.Use(Middleware(fixedVerifier()))
	r.POST("/v1/escrows", RequireAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })

	req := signedRequest(t, s, "POST", "/v1/escrows", `{}`)
	req.Header.Set(HeaderTimestamp, "0")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), ErrInvalidTimestamp.Error()) {
		t.Errorf("Expected timestamp reason in body, got %s", w.Body.String())
	}
}

func TestRequireAuth_AllowsSigned(t *testing.T) {
	s := newSigner(t)
	r := gin.New()
	r.Use(Middleware(fixedVerifier()))
	r.POST("/v1/escrows", RequireAuth(), func(c *gin.Context) {
		k, _ := GetSigner(c)
		c.String(http.StatusOK, k.String())
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedRequest(t, s, "POST", "/v1/escrows", `{}`))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != s.key.String() {
		t.Errorf("Expected signer in handler, got %s", w.Body.String())
	}
}
