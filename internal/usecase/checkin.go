package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"wellbeing-agent/internal/domain"
	"wellbeing-agent/internal/repository"
	"wellbeing-agent/internal/session"
)

const (
	defaultMaxTextLength = 2000
	defaultMaxImageBytes = 5 << 20
	defaultMaxTurns      = 30
	defaultTurnTimeout   = 22 * time.Second

	// saveTimeout bounds the snapshot write, which runs even after the
	// caller has gone away.
	saveTimeout = 3 * time.Second

	reasonTurnLimit = "conversation_turn_limit"
)

// StateStore persists session snapshots between invocations.
type StateStore interface {
	Load(ctx context.Context, sessionID string) (domain.SessionState, error)
	Save(ctx context.Context, st domain.SessionState) (domain.SessionState, error)
	Delete(ctx context.Context, sessionID string) error
}

// Limits bound a single user turn and the session as a whole. Zero values
// use defaults.
type Limits struct {
	MaxTextLength int
	MaxImageBytes int
	// MaxTurns caps the user messages per session so the stored snapshot
	// stays within a single DynamoDB item.
	MaxTurns int
	// TurnTimeout bounds annotation, cooldown and the gateway call together.
	TurnTimeout time.Duration
}

// CheckInService rebuilds a session controller from its stored snapshot for
// every request, runs one operation on it, and stores the result.
type CheckInService struct {
	params      ParamGetter
	gateway     session.Gateway
	store       StateStore
	paramPrefix string
	limits      Limits
	logger      *slog.Logger
	ctrlOpts    []session.Option

	cacheMu     sync.RWMutex
	cacheLoaded bool
	settings    Settings
}

type Option func(*CheckInService)

func WithLogger(l *slog.Logger) Option {
	return func(s *CheckInService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithControllerOptions appends options applied to every controller the
// service builds.
func WithControllerOptions(opts ...session.Option) Option {
	return func(s *CheckInService) { s.ctrlOpts = append(s.ctrlOpts, opts...) }
}

type StartOutput struct {
	SessionID string
	Message   domain.Message
}

type TurnInput struct {
	SessionID string
	Text      string
	Image     *domain.ImageRef
}

type TurnOutput struct {
	SessionID string
	Message   domain.Message
	Messages  []domain.Message
}

type HistoryOutput struct {
	SessionID   string
	Messages    []domain.Message
	MinInterval time.Duration
}

func NewCheckInService(p ParamGetter, gw session.Gateway, store StateStore, paramPrefix string, limits Limits, opts ...Option) (*CheckInService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if gw == nil {
		return nil, errors.New("usecase: gateway must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if limits.MaxTextLength <= 0 {
		limits.MaxTextLength = defaultMaxTextLength
	}
	if limits.MaxImageBytes <= 0 {
		limits.MaxImageBytes = defaultMaxImageBytes
	}
	if limits.MaxTurns <= 0 {
		limits.MaxTurns = defaultMaxTurns
	}
	if limits.TurnTimeout <= 0 {
		limits.TurnTimeout = defaultTurnTimeout
	}
	s := &CheckInService{
		params:      p,
		gateway:     gw,
		store:       store,
		paramPrefix: paramPrefix,
		limits:      limits,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start opens a new session with the assistant's opening message. Nothing is
// stored when the opening cannot be generated.
func (s *CheckInService) Start(ctx context.Context) (StartOutput, error) {
	ctrl, err := s.controller(ctx, domain.SessionState{})
	if err != nil {
		return StartOutput{}, err
	}
	startCtx, cancel := context.WithTimeout(ctx, s.limits.TurnTimeout)
	msg, err := ctrl.StartConversation(startCtx)
	cancel()
	if err != nil {
		return StartOutput{}, fromSessionError(err)
	}

	st := ctrl.Snapshot()
	st.SessionID = newUUID()
	if _, err := s.store.Save(ctx, st); err != nil {
		return StartOutput{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}
	s.logger.InfoContext(ctx, "check-in session started", "sessionId", st.SessionID)
	return StartOutput{SessionID: st.SessionID, Message: msg}, nil
}

// Turn sends one user message, with an optional image, to an existing
// session. The snapshot is stored even when the gateway fails or the caller
// gives up, because the user message stays in the conversation.
func (s *CheckInService) Turn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	if err := s.validateTurn(in); err != nil {
		return TurnOutput{}, err
	}

	st, err := s.load(ctx, sessionID)
	if err != nil {
		return TurnOutput{}, err
	}
	if userTurns(st.Messages) >= s.limits.MaxTurns {
		return TurnOutput{}, newError(ErrorInvalidInput, reasonTurnLimit, nil)
	}
	ctrl, err := s.controller(ctx, st)
	if err != nil {
		return TurnOutput{}, err
	}

	turnCtx, cancel := context.WithTimeout(ctx, s.limits.TurnTimeout)
	msg, turnErr := ctrl.SendTurn(turnCtx, in.Text, in.Image)
	cancel()
	var sessErr *session.Error
	if errors.As(turnErr, &sessErr) && sessErr.Code == session.ErrorEmptyInput {
		return TurnOutput{}, fromSessionError(turnErr)
	}

	next := ctrl.Snapshot()
	next.SessionID = st.SessionID
	next.CreatedAt = st.CreatedAt
	next.Version = st.Version
	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancelSave()
	if _, err := s.store.Save(saveCtx, next); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return TurnOutput{}, newError(ErrorSessionBusy, "concurrent_turn", err)
		}
		return TurnOutput{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}

	if turnErr != nil {
		s.logger.WarnContext(ctx, "check-in turn failed", "sessionId", sessionID, "err", turnErr)
		return TurnOutput{}, fromSessionError(turnErr)
	}
	return TurnOutput{SessionID: sessionID, Message: msg, Messages: next.Messages}, nil
}

// History returns the stored conversation of a session.
func (s *CheckInService) History(ctx context.Context, sessionID string) (HistoryOutput, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return HistoryOutput{}, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	st, err := s.load(ctx, sessionID)
	if err != nil {
		return HistoryOutput{}, err
	}
	return HistoryOutput{
		SessionID:   st.SessionID,
		Messages:    st.Messages,
		MinInterval: st.MinInterval,
	}, nil
}

// End discards the session, e.g. when the person leaves assessment mode.
// Ending an unknown session succeeds.
func (s *CheckInService) End(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return newError(ErrorInternal, "dynamodb_delete_error", err)
	}
	s.logger.InfoContext(ctx, "check-in session ended", "sessionId", sessionID)
	return nil
}

func (s *CheckInService) load(ctx context.Context, sessionID string) (domain.SessionState, error) {
	st, err := s.store.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.SessionState{}, newError(ErrorSessionNotFound, "session_not_found", err)
		}
		return domain.SessionState{}, newError(ErrorInternal, "dynamodb_read_error", err)
	}
	return st, nil
}

func (s *CheckInService) controller(ctx context.Context, st domain.SessionState) (*session.Controller, error) {
	cfg, err := s.ensureConfig(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "ssm_load_error", err)
	}
	annotator, err := session.NewGatewayAnnotator(s.gateway, session.CompletionOptions{
		Model:       cfg.VisionModel,
		MaxTokens:   annotatorMaxTokens,
		Temperature: annotatorTemperature,
	})
	if err != nil {
		return nil, newError(ErrorInternal, "annotator_init_error", err)
	}

	opts := []session.Option{
		session.WithAnnotator(annotator),
		session.WithLogger(s.logger),
		session.WithState(st),
	}
	opts = append(opts, s.ctrlOpts...)
	ctrl, err := session.New(s.gateway, session.CompletionOptions{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}, opts...)
	if err != nil {
		return nil, newError(ErrorInternal, "controller_init_error", err)
	}
	return ctrl, nil
}

func (s *CheckInService) validateTurn(in TurnInput) error {
	if utf8.RuneCountInString(in.Text) > s.limits.MaxTextLength {
		return newError(ErrorInvalidInput, "text_too_long", nil)
	}
	img := in.Image
	if img == nil || img.IsZero() {
		return nil
	}
	if len(img.Data) > s.limits.MaxImageBytes {
		return newError(ErrorInvalidInput, "image_too_large", nil)
	}
	if mime := strings.TrimSpace(img.MIMEType); mime != "" || len(img.Data) > 0 {
		if !strings.HasPrefix(strings.ToLower(mime), "image/") {
			return newError(ErrorInvalidInput, "invalid_image_type", nil)
		}
	}
	if raw := strings.TrimSpace(img.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return newError(ErrorInvalidInput, "invalid_image_url", err)
		}
	}
	return nil
}

func userTurns(msgs []domain.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			n++
		}
	}
	return n
}

var newUUID = func() string {
	return uuid.NewString()
}
