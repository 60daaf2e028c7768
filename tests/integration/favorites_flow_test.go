package integration_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/database"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/events"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites/badgerstore"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites/gormstore"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/server"
)

const (
	flowOwnerID     = "auth0|user-abc"
	flowMovieID     = "tt0133093"
	jsonContentType = "application/json"
)

func TestFavoritesFlow(testContext *testing.T) {
	backends := map[string]func(t *testing.T) favorites.Store{
		"sqlite": openSQLiteStore,
		"badger": openBadgerStore,
	}
	for name, open := range backends {
		testContext.Run(name, func(t *testing.T) {
			runFavoritesFlow(t, open(t))
		})
	}
}

func openSQLiteStore(t *testing.T) favorites.Store {
	db, err := database.OpenSQLite("file:integration?mode=memory&cache=shared", zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	store, err := gormstore.New(gormstore.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to build gorm store: %v", err)
	}
	return store
}

func openBadgerStore(t *testing.T) favorites.Store {
	store, err := badgerstore.Open(badgerstore.Config{InMemory: true})
	if err != nil {
		t.Fatalf("failed to open badger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func runFavoritesFlow(t *testing.T, store favorites.Store) {
	gin.SetMode(gin.TestMode)

	dispatcher := events.NewDispatcher()
	service, err := favorites.NewService(favorites.ServiceConfig{Store: store, Publisher: dispatcher, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build favorites service: %v", err)
	}
	limiter := ratelimit.New(100, 100)
	defer limiter.Stop()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		FavoritesService: service,
		ClaimsReader:     auth.NewClaimsReader(),
		Dispatcher:       dispatcher,
		WriteLimiter:     limiter,
		AllowedOrigins:   []string{"*"},
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	token := mustGatewayToken(t, flowOwnerID, auth.ScopeFavoritesRead+" "+auth.ScopeFavoritesWrite)

	status, body := send(t, testServer.URL, http.MethodPost, "/favorites", token, map[string]any{
		"movieId": flowMovieID,
		"title":   "The Matrix",
		"tags":    []string{"sci-fi"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create: unexpected status %d: %s", status, body)
	}
	var created favorites.CreateView
	mustDecode(t, body, &created)
	if created.Idempotent || created.Item.Version != 1 {
		t.Fatalf("create: unexpected view %+v", created)
	}

	status, body = send(t, testServer.URL, http.MethodPost, "/favorites", token, map[string]any{
		"movieId": flowMovieID,
		"title":   "The Matrix (1999)",
	})
	if status != http.StatusOK {
		t.Fatalf("repeat create: unexpected status %d: %s", status, body)
	}
	var repeated favorites.CreateView
	mustDecode(t, body, &repeated)
	if !repeated.Idempotent || repeated.Item.Version != 1 || *repeated.Item.Title != "The Matrix (1999)" {
		t.Fatalf("repeat create: unexpected view %+v", repeated)
	}

	status, body = send(t, testServer.URL, http.MethodPut, "/favorites/"+flowMovieID, token, map[string]any{
		"version": 1,
		"note":    "rewatch",
	})
	if status != http.StatusOK {
		t.Fatalf("update: unexpected status %d: %s", status, body)
	}
	var updated favorites.FavoriteView
	mustDecode(t, body, &updated)
	if updated.Version != 2 || *updated.Note != "rewatch" || len(updated.Tags) != 1 {
		t.Fatalf("update: unexpected view %+v", updated)
	}

	status, body = send(t, testServer.URL, http.MethodPut, "/favorites/"+flowMovieID, token, map[string]any{
		"version": 1,
		"note":    "stale",
	})
	if status != http.StatusConflict {
		t.Fatalf("stale update: unexpected status %d: %s", status, body)
	}
	var conflict struct {
		Code           string `json:"code"`
		CurrentVersion int64  `json:"currentVersion"`
	}
	mustDecode(t, body, &conflict)
	if conflict.Code != "favorites.update.version_conflict" || conflict.CurrentVersion != 2 {
		t.Fatalf("stale update: unexpected body %s", body)
	}

	status, body = send(t, testServer.URL, http.MethodGet, "/favorites", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list: unexpected status %d: %s", status, body)
	}
	var page favorites.ListView
	mustDecode(t, body, &page)
	if len(page.Items) != 1 || page.Items[0].Version != 2 || page.Cursor != "" {
		t.Fatalf("list: unexpected page %+v", page)
	}

	for attempt := 0; attempt < 2; attempt++ {
		status, body = send(t, testServer.URL, http.MethodDelete, "/favorites/"+flowMovieID, token, nil)
		if status != http.StatusOK {
			t.Fatalf("delete attempt %d: unexpected status %d: %s", attempt, status, body)
		}
	}

	status, _ = send(t, testServer.URL, http.MethodGet, "/favorites/"+flowMovieID, token, nil)
	if status != http.StatusNotFound {
		t.Fatalf("get after delete: unexpected status %d", status)
	}
}

func mustGatewayToken(t *testing.T, subject, scope string) string {
	t.Helper()
	claims := auth.Claims{
		Scope:            scope,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject, Issuer: "https://gateway.example.com/"},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	return token
}

func send(t *testing.T, baseURL, method, path, token string, payload any) (int, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return response.StatusCode, body
}

func mustDecode(t *testing.T, body []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(body, target); err != nil {
		t.Fatalf("failed to decode %s: %v", body, err)
	}
}
