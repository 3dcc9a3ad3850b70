package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/model"
	"github.com/t77yq/qa-queue/internal/scheduler"
	"github.com/t77yq/qa-queue/internal/storage"
)

// errorBody is the JSON body of every error response
type errorBody struct {
	Error string `json:"error"`
}

// errorStatus maps core failures to HTTP status codes. Only validation
// failures carry their message to the client.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidPriority), errors.Is(err, model.ErrInvalidPayload):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidFilename),
		errors.Is(err, scheduler.ErrScheduleNotFound):
		return http.StatusNotFound, "not found"
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		switch he.Code {
		case http.StatusNotFound:
			return http.StatusNotFound, "not found"
		case http.StatusMethodNotAllowed:
			return http.StatusMethodNotAllowed, "method not allowed"
		case http.StatusBadRequest:
			if msg, ok := he.Message.(string); ok {
				return he.Code, msg
			}
			return he.Code, "invalid request"
		case http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
			return he.Code, "invalid request"
		}
	}
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, message := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request error",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorBody{Error: message})
	}
	if err != nil {
		s.logger.Error("Failed to write error response", zap.Error(err))
	}
}

// badRequest wraps a validation message as a 400
func badRequest(message string) error {
	return echo.NewHTTPError(http.StatusBadRequest, message)
}
