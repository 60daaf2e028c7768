package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/database"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/events"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites/gormstore"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/ratelimit"
)

const (
	readWriteScope = auth.ScopeFavoritesRead + " " + auth.ScopeFavoritesWrite
	readOnlyScope  = auth.ScopeFavoritesRead
)

type testServer struct {
	handler    http.Handler
	service    *favorites.Service
	dispatcher *events.Dispatcher
}

type testServerOptions struct {
	limiter *ratelimit.KeyedRateLimiter
	logger  *zap.Logger
	origins []string
}

func newTestServer(t *testing.T, options testServerOptions) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), zap.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := gormstore.New(gormstore.Config{Database: db})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	dispatcher := events.NewDispatcher()
	service, err := favorites.NewService(favorites.ServiceConfig{Store: store, Publisher: dispatcher})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		FavoritesService:  service,
		ClaimsReader:      auth.NewClaimsReader(),
		Dispatcher:        dispatcher,
		WriteLimiter:      options.limiter,
		AllowedOrigins:    options.origins,
		HeartbeatInterval: time.Hour,
		Logger:            options.logger,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return testServer{handler: handler, service: service, dispatcher: dispatcher}
}

func bearerToken(t *testing.T, subject, scope string) string {
	t.Helper()
	claims := auth.Claims{
		Scope:            scope,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + token
}

func (s testServer) do(t *testing.T, method, target, authorization, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		request.Header.Set("Authorization", authorization)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
}
