package server

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
)

var validatorSetup sync.Once

type listFavoritesQuery struct {
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=50"`
	Cursor string `form:"cursor" binding:"omitempty,max=2048"`
}

type createFavoriteRequest struct {
	MovieID   string   `json:"movieId" binding:"required,max=190"`
	Title     *string  `json:"title" binding:"omitempty,max=300"`
	PosterURL *string  `json:"posterUrl" binding:"omitempty,url"`
	Overview  *string  `json:"overview" binding:"omitempty,max=5000"`
	Note      *string  `json:"note" binding:"omitempty,max=1000"`
	Tags      []string `json:"tags" binding:"omitempty,max=20"`
}

type updateFavoriteRequest struct {
	Version   *int64   `json:"version" binding:"required,gt=0"`
	Title     *string  `json:"title" binding:"omitempty,max=300"`
	PosterURL *string  `json:"posterUrl" binding:"omitempty,url"`
	Overview  *string  `json:"overview" binding:"omitempty,max=5000"`
	Note      *string  `json:"note" binding:"omitempty,max=1000"`
	Tags      []string `json:"tags" binding:"omitempty,max=20"`
}

type fieldViolation struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

type errorResponse struct {
	Error          string           `json:"error"`
	Code           string           `json:"code,omitempty"`
	Details        []fieldViolation `json:"details,omitempty"`
	CurrentVersion *int64           `json:"currentVersion,omitempty"`
}

func (h *httpHandler) handleListFavorites(c *gin.Context) {
	ownerID, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var query listFavoritesQuery
	if err := bindRequest(c, &query, binding.Query); err != nil {
		respondInvalidRequest(c, err)
		return
	}

	page, err := h.favoritesService.List(c.Request.Context(), ownerID, query.Limit, query.Cursor)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleGetFavorite(c *gin.Context) {
	ownerID, itemID, ok := h.resolveTarget(c)
	if !ok {
		return
	}

	view, err := h.favoritesService.Get(c.Request.Context(), ownerID, itemID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleCreateFavorite(c *gin.Context) {
	ownerID, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request createFavoriteRequest
	if err := bindRequest(c, &request, binding.JSON); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	itemID, err := favorites.NewItemID(request.MovieID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_movie_id"})
		return
	}

	result, err := h.favoritesService.Add(c.Request.Context(), ownerID, favorites.CreateInput{
		ItemID: itemID,
		Display: favorites.DisplayFields{
			Title:     request.Title,
			PosterURL: request.PosterURL,
			Overview:  request.Overview,
		},
		Note: request.Note,
		Tags: request.Tags,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *httpHandler) handleUpdateFavorite(c *gin.Context) {
	ownerID, itemID, ok := h.resolveTarget(c)
	if !ok {
		return
	}

	var request updateFavoriteRequest
	if err := bindRequest(c, &request, binding.JSON); err != nil {
		respondInvalidRequest(c, err)
		return
	}
	expected, err := favorites.NewVersion(*request.Version)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_version"})
		return
	}

	view, err := h.favoritesService.Update(c.Request.Context(), ownerID, itemID, expected, favorites.Patch{
		Title:     request.Title,
		PosterURL: request.PosterURL,
		Overview:  request.Overview,
		Note:      request.Note,
		Tags:      request.Tags,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleDeleteFavorite(c *gin.Context) {
	ownerID, itemID, ok := h.resolveTarget(c)
	if !ok {
		return
	}

	if err := h.favoritesService.Remove(c.Request.Context(), ownerID, itemID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) resolveTarget(c *gin.Context) (favorites.OwnerID, favorites.ItemID, bool) {
	ownerID, ok := ownerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	itemID, err := favorites.NewItemID(c.Param("movieId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_movie_id"})
		return "", "", false
	}
	return ownerID, itemID, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	response := errorResponse{}
	var serviceErr *favorites.ServiceError
	if errors.As(err, &serviceErr) {
		response.Code = serviceErr.Code()
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, favorites.ErrNotFound):
		status = http.StatusNotFound
		response.Error = "not_found"
	case errors.Is(err, favorites.ErrVersionConflict):
		status = http.StatusConflict
		response.Error = "version_conflict"
		response.CurrentVersion = h.currentVersion(c)
	case errors.Is(err, favorites.ErrInvalidCursor):
		status = http.StatusBadRequest
		response.Error = "invalid_cursor"
	case errors.Is(err, favorites.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
		response.Error = "backend_unavailable"
	default:
		response.Error = "internal_error"
		h.logger.Error("favorites request failed",
			zap.Error(err),
			zap.String("request_id", c.GetString(requestIDContextKey)))
	}
	c.JSON(status, response)
}

// currentVersion looks up the stored version after a conflict. It returns nil when the
// record is gone or unreadable.
func (h *httpHandler) currentVersion(c *gin.Context) *int64 {
	ownerID, ok := ownerFromContext(c)
	if !ok {
		return nil
	}
	itemID, err := favorites.NewItemID(c.Param("movieId"))
	if err != nil {
		return nil
	}
	view, err := h.favoritesService.Get(c.Request.Context(), ownerID, itemID)
	if err != nil {
		return nil
	}
	return &view.Version
}

func respondInvalidRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid_request", Details: validationDetails(err)})
}

func bindRequest(c *gin.Context, target any, decoder binding.Binding) error {
	validatorSetup.Do(useJSONFieldNames)
	return c.ShouldBindWith(target, decoder)
}

func validationDetails(err error) []fieldViolation {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make([]fieldViolation, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details = append(details, fieldViolation{Field: fieldErr.Field(), Rule: fieldErr.Tag()})
	}
	return details
}

// useJSONFieldNames makes validation errors report the wire name of a field.
func useJSONFieldNames() {
	engine, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	engine.RegisterTagNameFunc(func(field reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name, _, _ := strings.Cut(field.Tag.Get(tag), ",")
			if name != "" && name != "-" {
				return name
			}
		}
		return field.Name
	})
}
