// Package handlers provides the HTTP handlers of the hospital services.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-hospital/internal/api/middleware"
	"github.com/drfirst/go-hospital/internal/api/render"
)

// pathID reads an integer path parameter. A malformed id matches no row,
// so callers answer 404.
func pathID(r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	return id, err == nil
}

func serverError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, msg string, err error) {
	logger.Error(msg,
		zap.Error(err),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	render.Error(w, http.StatusInternalServerError, msg)
}

func nopIfNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
