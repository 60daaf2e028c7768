package server

import (
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/events"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/ratelimit"
)

const (
	ownerIDContextKey   = "reelshelf_owner_id"
	claimsContextKey    = "reelshelf_claims"
	requestIDContextKey = "reelshelf_request_id"

	requestIDHeader = "X-Request-ID"

	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingFavoritesService = errors.New("favorites service dependency required")
	errMissingClaimsReader     = errors.New("claims reader dependency required")
)

// Dependencies wires the HTTP transport. Dispatcher and WriteLimiter are optional:
// without a dispatcher the event stream answers 503, without a limiter writes are unthrottled.
type Dependencies struct {
	FavoritesService  *favorites.Service
	ClaimsReader      *auth.ClaimsReader
	Dispatcher        *events.Dispatcher
	WriteLimiter      *ratelimit.KeyedRateLimiter
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.FavoritesService == nil {
		return nil, errMissingFavoritesService
	}
	if deps.ClaimsReader == nil {
		return nil, errMissingClaimsReader
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		favoritesService:  deps.FavoritesService,
		claims:            deps.ClaimsReader,
		dispatcher:        deps.Dispatcher,
		writeLimiter:      deps.WriteLimiter,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.tagRequest)
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handleHealth)

	protected := router.Group("/favorites")
	protected.Use(handler.requireClaims)

	read := requireScopes(logger, auth.ScopeFavoritesRead)
	write := requireScopes(logger, auth.ScopeFavoritesWrite)

	protected.GET("", read, handler.handleListFavorites)
	protected.GET("/events", read, handler.handleFavoritesStream)
	protected.GET("/:movieId", read, handler.handleGetFavorite)
	protected.POST("", write, handler.limitWrites, handler.handleCreateFavorite)
	protected.PUT("/:movieId", write, handler.limitWrites, handler.handleUpdateFavorite)
	protected.DELETE("/:movieId", write, handler.limitWrites, handler.handleDeleteFavorite)

	return router, nil
}

type httpHandler struct {
	favoritesService  *favorites.Service
	claims            *auth.ClaimsReader
	dispatcher        *events.Dispatcher
	writeLimiter      *ratelimit.KeyedRateLimiter
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

// corsMiddleware allows the configured origins. A "*" entry allows every origin.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders: []string{requestIDHeader, "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
