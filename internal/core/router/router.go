// Package router exposes the engine over the FeatureServer REST layout.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/apperrors"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/middleware"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/model"
	"github.com/anandtrivedi/koop-provider-databricks/internal/core/observability"
	"github.com/anandtrivedi/koop-provider-databricks/internal/engine"
)

// QueryEngine is the part of *engine.Engine the HTTP surface needs.
type QueryEngine interface {
	GetData(ctx context.Context, req engine.Request) (model.Result, error)
	LayerInfo(ctx context.Context, table string) (model.Metadata, error)
}

const (
	queryRoute = "/rest/services/{table}/FeatureServer/{layer}/query"
	layerRoute = "/rest/services/{table}/FeatureServer/{layer}"
)

// Mount registers the FeatureServer routes on r.
func Mount(r chi.Router, logger *slog.Logger, eng QueryEngine) {
	q := HandleQuery(logger, eng)
	r.Get(queryRoute, q)
	r.Post(queryRoute, q)
	r.Get(layerRoute, HandleLayer(logger, eng))
}

func HandleQuery(logger *slog.Logger, eng QueryEngine) http.HandlerFunc {
	return observe(queryRoute, func(w http.ResponseWriter, r *http.Request) {
		// POST bodies carry the same keys as the query string
		if err := r.ParseForm(); err != nil {
			writeError(w, logger, r, apperrors.InvalidParam("body", err))
			return
		}
		res, err := eng.GetData(r.Context(), engine.Request{
			Table:    chi.URLParam(r, "table"),
			Params:   r.Form,
			ClientID: middleware.ClientIP(r),
		})
		if err != nil {
			writeError(w, logger, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
}

func HandleLayer(logger *slog.Logger, eng QueryEngine) http.HandlerFunc {
	return observe(layerRoute, func(w http.ResponseWriter, r *http.Request) {
		md, err := eng.LayerInfo(r.Context(), chi.URLParam(r, "table"))
		if err != nil {
			writeError(w, logger, r, err)
			return
		}
		writeJSON(w, http.StatusOK, md)
	})
}

func observe(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &middleware.StatusWriter{ResponseWriter: w, Code: http.StatusOK}
		next(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.Code, time.Since(start).Seconds())
	}
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param,omitempty"`
	} `json:"error"`
}

// StatusFor maps the engine error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidParam):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apperrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperrors.ErrExecution):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	code := StatusFor(err)
	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()

	var pe *apperrors.ParamError
	if errors.As(err, &pe) {
		body.Error.Param = pe.Param
	}
	var rl *apperrors.RateLimitError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	if code >= http.StatusInternalServerError {
		// warehouse and config details stay in the logs
		logger.ErrorContext(r.Context(), "request failed", "status", code, "err", err)
		body.Error.Message = http.StatusText(code)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
