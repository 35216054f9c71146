package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Do performs an authenticated JSON request against the backend.
//
// body, when non-nil, is sent as JSON. On a 2xx response the body is decoded
// into result (if non-nil). An unauthorized response triggers one token
// refresh and one retry of the same request.
func (m *Manager) Do(ctx context.Context, method, endpoint string, body, result any) error {
	return m.do(ctx, method, endpoint, body, result, true)
}

// Get is Do with GET and no body.
func (m *Manager) Get(ctx context.Context, endpoint string, result any) error {
	return m.Do(ctx, http.MethodGet, endpoint, nil, result)
}

// Post is Do with POST.
func (m *Manager) Post(ctx context.Context, endpoint string, body, result any) error {
	return m.Do(ctx, http.MethodPost, endpoint, body, result)
}

func (m *Manager) do(ctx context.Context, method, endpoint string, body, result any, allowRetry bool) error {
	res, err := m.send(ctx, method, endpoint, m.Token(), body)
	if err != nil {
		return err
	}

	status := res.StatusCode()
	switch {
	case status == http.StatusUnauthorized && allowRetry:
		log.Info().Str("method", method).Str("endpoint", endpoint).Msg("unauthorized, refreshing token")
		if _, err := m.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.Invalidate()
			log.Warn().Err(err).Msg("token refresh failed, session cleared")
			return fmt.Errorf("%w: %w", ErrAuthExpired, err)
		}

		err := m.do(ctx, method, endpoint, body, result, false)
		if errors.Is(err, ErrAuthRequired) {
			return fmt.Errorf("%w: request still unauthorized after refresh", ErrAuthExpired)
		}
		return err

	case status == http.StatusUnauthorized:
		m.Invalidate()
		return ErrAuthRequired

	case !isSuccess(status):
		return newHTTPError(res)
	}

	return decodeResult(res, result)
}

// send executes one HTTP call. Transport failures are returned as
// *ConnectivityError; any HTTP response is returned as-is.
func (m *Manager) send(ctx context.Context, method, endpoint, tok string, body any) (*resty.Response, error) {
	requestID := uuid.NewString()
	req := m.http.NewRequest().
		SetContext(ctx).
		SetHeader("X-Request-ID", requestID)
	if tok != "" {
		req.SetHeader("Authorization", "Bearer "+tok)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	res, err := req.Execute(method, endpoint)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn().Err(err).Str("requestId", requestID).Str("method", method).Str("endpoint", endpoint).
			Msg("request did not reach server")
		return nil, &ConnectivityError{Method: method, Endpoint: endpoint, Err: err}
	}

	log.Debug().
		Str("requestId", requestID).
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status", res.StatusCode()).
		Dur("took", res.Time()).
		Msg("request completed")
	return res, nil
}

func decodeResult(res *resty.Response, result any) error {
	if result == nil || len(res.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Body(), result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// newHTTPError builds an HTTPError from the server's error body. The backend
// puts its message in "detail", either a string or a list of validation
// errors; some endpoints use "message".
func newHTTPError(res *resty.Response) *HTTPError {
	status := res.StatusCode()
	detail := parseDetail(res.Body())
	if detail == "" {
		detail = genericDetail(status)
	}
	return &HTTPError{Status: status, Detail: detail}
}

func parseDetail(body []byte) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}

	if len(payload.Detail) > 0 {
		var s string
		if err := json.Unmarshal(payload.Detail, &s); err == nil {
			return s
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(payload.Detail, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if it.Msg != "" {
					msgs = append(msgs, it.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	return payload.Message
}
