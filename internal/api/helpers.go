package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rendis/relay/pkg/schema"
)

// respondError writes a structured error body. RelayError codes map onto
// HTTP statuses; anything else is a plain 500.
func (s *Server) respondError(c echo.Context, err error) error {
	var relayErr *schema.RelayError
	if errors.As(err, &relayErr) {
		return c.JSON(statusForCode(relayErr.Code), map[string]any{"error": relayErr})
	}
	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": schema.NewError(schema.ErrCodeExecution, err.Error()),
	})
}

// statusForCode maps a RelayError code to an HTTP status.
func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition, schema.ErrCodeCancelled:
		return http.StatusConflict
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// badRequest is a shorthand for a VALIDATION_ERROR response.
func (s *Server) badRequest(c echo.Context, message string) error {
	return s.respondError(c, schema.NewError(schema.ErrCodeValidation, message))
}

// queryInt extracts an integer query param with a default value.
func queryInt(c echo.Context, key string, def int) int {
	v := c.QueryParam(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryInt64 extracts an int64 query param with a default value.
func queryInt64(c echo.Context, key string, def int64) int64 {
	v := c.QueryParam(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// queryBool extracts an optional boolean query param. Absent or malformed
// values return nil.
func queryBool(c echo.Context, key string) *bool {
	v := c.QueryParam(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}
