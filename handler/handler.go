// Package handler exposes the check-in service as an API Gateway proxy
// integration.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"wellbeing-agent/internal/domain"
	"wellbeing-agent/internal/throttle"
	"wellbeing-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"

	errorNotFound         = "NOT_FOUND"
	errorMethodNotAllowed = "METHOD_NOT_ALLOWED"
)

// CheckIn is the use case surface served over HTTP.
type CheckIn interface {
	Start(ctx context.Context) (usecase.StartOutput, error)
	Turn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	History(ctx context.Context, sessionID string) (usecase.HistoryOutput, error)
	End(ctx context.Context, sessionID string) error
}

type Handler struct {
	svc    CheckIn
	logger *slog.Logger
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

type imageRequest struct {
	URL      string `json:"url"`
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

type turnRequest struct {
	Text  string        `json:"text"`
	Image *imageRequest `json:"image"`
}

type startResponse struct {
	SessionID string         `json:"sessionId"`
	Message   domain.Message `json:"message"`
}

type historyResponse struct {
	SessionID     string           `json:"sessionId"`
	Messages      []domain.Message `json:"messages"`
	MinIntervalMs int64            `json:"minIntervalMs"`
}

type turnResponse struct {
	SessionID string           `json:"sessionId"`
	Message   domain.Message   `json:"message"`
	Messages  []domain.Message `json:"messages"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewHandler(svc CheckIn, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: check-in service must not be nil")
	}
	h := &Handler{svc: svc, logger: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Handle routes one API Gateway proxy request. Errors are always rendered
// into the response; the returned error is reserved for the Lambda runtime.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	logger := h.logger.With("correlationId", corrID, "method", req.HTTPMethod, "path", req.Path)

	sessionID, sub, ok := parsePath(req.Path)
	if !ok {
		return errorJSON(corrID, http.StatusNotFound, errorNotFound, "The requested resource does not exist."), nil
	}

	switch {
	case sessionID == "" && sub == "":
		if req.HTTPMethod != http.MethodPost {
			return methodNotAllowed(corrID), nil
		}
		out, err := h.svc.Start(ctx)
		if err != nil {
			return h.fail(ctx, logger, corrID, err), nil
		}
		logger.InfoContext(ctx, "session started", "sessionId", out.SessionID)
		return okJSON(corrID, http.StatusCreated, startResponse{SessionID: out.SessionID, Message: out.Message}), nil

	case sub == "":
		switch req.HTTPMethod {
		case http.MethodGet:
			out, err := h.svc.History(ctx, sessionID)
			if err != nil {
				return h.fail(ctx, logger, corrID, err), nil
			}
			return okJSON(corrID, http.StatusOK, historyResponse{
				SessionID:     out.SessionID,
				Messages:      nonNil(out.Messages),
				MinIntervalMs: out.MinInterval.Milliseconds(),
			}), nil
		case http.MethodDelete:
			if err := h.svc.End(ctx, sessionID); err != nil {
				return h.fail(ctx, logger, corrID, err), nil
			}
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusNoContent,
				Headers:    map[string]string{correlationHeader: corrID},
			}, nil
		default:
			return methodNotAllowed(corrID), nil
		}

	default:
		if req.HTTPMethod != http.MethodPost {
			return methodNotAllowed(corrID), nil
		}
		in, err := decodeTurn(req)
		if err != nil {
			logger.WarnContext(ctx, "invalid turn body", "err", err)
			return errorJSON(corrID, http.StatusBadRequest, string(usecase.ErrorInvalidInput), "The request body is not valid."), nil
		}
		in.SessionID = sessionID
		out, err := h.svc.Turn(ctx, in)
		if err != nil {
			return h.fail(ctx, logger, corrID, err), nil
		}
		return okJSON(corrID, http.StatusOK, turnResponse{
			SessionID: out.SessionID,
			Message:   out.Message,
			Messages:  nonNil(out.Messages),
		}), nil
	}
}

func (h *Handler) fail(ctx context.Context, logger *slog.Logger, corrID string, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		ucErr = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected", Err: err}
	}
	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", err)
	} else {
		logger.WarnContext(ctx, "request rejected", "code", ucErr.Code, "reason", ucErr.Reason)
	}

	resp := errorJSON(corrID, status, string(ucErr.Code), ucErr.Message())
	if ucErr.Code == usecase.ErrorRateLimited {
		resp.Headers["Retry-After"] = strconv.Itoa(int(throttle.RateLimitedInterval.Seconds()))
	}
	return resp
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorEmptyInput, usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorServiceUnavailable:
		return http.StatusServiceUnavailable
	case usecase.ErrorSessionNotFound:
		return http.StatusNotFound
	case usecase.ErrorSessionBusy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// parsePath extracts the session id and sub-resource from paths of the form
// /sessions, /sessions/{id} and /sessions/{id}/turns, tolerating a stage
// prefix.
func parsePath(path string) (sessionID, sub string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	idx := -1
	for i, p := range parts {
		if p == "sessions" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", "", false
	}
	rest := parts[idx+1:]
	switch {
	case len(rest) == 0:
		return "", "", true
	case len(rest) == 1 && rest[0] != "":
		return rest[0], "", true
	case len(rest) == 2 && rest[0] != "" && rest[1] == "turns":
		return rest[0], "turns", true
	}
	return "", "", false
}

func decodeTurn(req events.APIGatewayProxyRequest) (usecase.TurnInput, error) {
	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return usecase.TurnInput{}, err
		}
		body = string(raw)
	}

	var in turnRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return usecase.TurnInput{}, err
	}
	out := usecase.TurnInput{Text: in.Text}
	if in.Image == nil {
		return out, nil
	}

	img := &domain.ImageRef{URL: strings.TrimSpace(in.Image.URL), MIMEType: strings.TrimSpace(in.Image.MIMEType)}
	if data := strings.TrimSpace(in.Image.Data); data != "" {
		mime, raw, err := decodeImageData(data)
		if err != nil {
			return usecase.TurnInput{}, err
		}
		if img.MIMEType == "" {
			img.MIMEType = mime
		}
		img.Data = raw
	}
	out.Image = img
	return out, nil
}

// decodeImageData accepts plain base64 or a data URL.
func decodeImageData(s string) (mime string, data []byte, err error) {
	if rest, found := strings.CutPrefix(s, "data:"); found {
		header, payload, ok := strings.Cut(rest, ",")
		if !ok || !strings.HasSuffix(header, ";base64") {
			return "", nil, errors.New("handler: unsupported data url")
		}
		mime = strings.TrimSuffix(header, ";base64")
		s = payload
	}
	data, err = base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", nil, err
	}
	return mime, data, nil
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return uuid.NewString()
}

func okJSON(corrID string, status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return errorJSON(corrID, http.StatusInternalServerError, string(usecase.ErrorInternal), "Something went wrong on our side. Please try again later.")
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    jsonHeaders(corrID),
		Body:       string(body),
	}
}

func errorJSON(corrID string, status int, code, message string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorResponse{Error: code, Message: message})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    jsonHeaders(corrID),
		Body:       string(body),
	}
}

func methodNotAllowed(corrID string) events.APIGatewayProxyResponse {
	return errorJSON(corrID, http.StatusMethodNotAllowed, errorMethodNotAllowed, "This method is not supported for the resource.")
}

func jsonHeaders(corrID string) map[string]string {
	return map[string]string{
		"Content-Type":    "application/json",
		correlationHeader: corrID,
	}
}

func nonNil(msgs []domain.Message) []domain.Message {
	if msgs == nil {
		return []domain.Message{}
	}
	return msgs
}
