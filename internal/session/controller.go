// Package session implements the check-in conversation controller: it owns
// one conversation and its throttle state, and mediates every turn
// exchanged with the inference gateway.
//
// A Controller is cooperative single-session logic. Callers must not issue
// overlapping StartConversation or SendTurn calls on the same instance; a
// result that resolves after its caller gave up, or after the conversation
// was reset, is discarded rather than appended.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"wellbeing-agent/internal/domain"
	"wellbeing-agent/internal/prompt"
	"wellbeing-agent/internal/throttle"
)

const (
	// PhotoNote is the text appended to a user message that carried an
	// image. On its own it is also the neutral fallback annotation.
	PhotoNote = "I'm also sharing a photo of myself."

	defaultAnnotateTimeout = 8 * time.Second
)

// Gateway is the remote inference endpoint.
type Gateway interface {
	Complete(ctx context.Context, in domain.CompletionRequest) (string, error)
}

// ImageAnnotator derives a short emotional-tone description of an image.
type ImageAnnotator interface {
	Describe(ctx context.Context, img domain.ImageRef) (string, error)
}

// Composer renders the prompt for the next assistant reply.
type Composer func(history []domain.Message, imageAnnotation string) string

// CompletionOptions are the model parameters sent with each gateway call.
type CompletionOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Controller owns a single conversation and the cooldown state guarding
// calls to the gateway.
type Controller struct {
	gateway         Gateway
	annotator       ImageAnnotator
	compose         Composer
	opts            CompletionOptions
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error
	logger          *slog.Logger
	annotateTimeout time.Duration

	mu          sync.Mutex
	messages    []domain.Message
	lastRequest time.Time
	minInterval time.Duration
	generation  uint64
}

type Option func(*Controller)

// WithAnnotator sets the image helper. Without one, every image turn uses
// the neutral fallback annotation.
func WithAnnotator(a ImageAnnotator) Option {
	return func(c *Controller) { c.annotator = a }
}

func WithComposer(fn Composer) Option {
	return func(c *Controller) {
		if fn != nil {
			c.compose = fn
		}
	}
}

// WithClock overrides the time source and the cooldown sleeper.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithAnnotateTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.annotateTimeout = d
		}
	}
}

// WithState restores a previously snapshotted conversation and throttle
// state. The restored interval is never below the default.
func WithState(st domain.SessionState) Option {
	return func(c *Controller) {
		c.messages = append([]domain.Message(nil), st.Messages...)
		c.lastRequest = st.LastRequest
		c.minInterval = max(st.MinInterval, throttle.DefaultInterval)
	}
}

// New creates a Controller bound to gw. The conversation starts empty until
// StartConversation is called or state is restored with WithState.
func New(gw Gateway, opts CompletionOptions, options ...Option) (*Controller, error) {
	if gw == nil {
		return nil, errors.New("session: gateway must not be nil")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("session: model must not be empty")
	}
	c := &Controller{
		gateway:         gw,
		compose:         prompt.Compose,
		opts:            opts,
		now:             time.Now,
		sleep:           sleepContext,
		logger:          slog.Default(),
		annotateTimeout: defaultAnnotateTimeout,
		minInterval:     throttle.DefaultInterval,
	}
	for _, o := range options {
		o(c)
	}
	return c, nil
}

// StartConversation discards any existing conversation, asks the gateway
// for an opening message, and records it as the first assistant message.
// On failure the conversation is left empty.
func (c *Controller) StartConversation(ctx context.Context) (domain.Message, error) {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.messages = nil
	c.mu.Unlock()

	if err := c.cooldown(ctx, gen); err != nil {
		return domain.Message{}, newError(ErrorServiceUnavailable, "opening_abandoned", err)
	}

	text, err := c.gateway.Complete(ctx, c.request(prompt.Opening()))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if isRateLimited(err) {
			c.escalateLocked()
			return domain.Message{}, newError(ErrorServiceUnavailable, "opening_rate_limited", err)
		}
		return domain.Message{}, newError(ErrorServiceUnavailable, "opening_gateway_error", err)
	}
	if err := c.currentLocked(ctx, gen); err != nil {
		return domain.Message{}, newError(ErrorServiceUnavailable, "opening_abandoned", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, newError(ErrorServiceUnavailable, "opening_empty_response", nil)
	}

	msg := domain.Message{Role: domain.RoleAssistant, Content: text, Timestamp: c.now()}
	c.messages = append(c.messages, msg)
	return msg, nil
}

// SendTurn records the user's message (with an image annotation when an
// image is attached), waits out the cooldown, and asks the gateway for the
// next assistant reply. When the gateway fails the user message stays in the
// conversation and no assistant message is added.
func (c *Controller) SendTurn(ctx context.Context, userText string, image *domain.ImageRef) (domain.Message, error) {
	hasImage := image != nil && !image.IsZero()
	if strings.TrimSpace(userText) == "" && !hasImage {
		return domain.Message{}, newError(ErrorEmptyInput, "empty_turn", nil)
	}

	c.mu.Lock()
	gen := c.generation
	sentAt := c.now()
	c.mu.Unlock()

	content := userText
	var annotation string
	if hasImage {
		annotation = c.annotate(ctx, *image)
		content = appendAnnotation(userText, annotation)
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return domain.Message{}, newError(ErrorServiceUnavailable, "turn_abandoned", errors.New("conversation was reset"))
	}
	c.messages = append(c.messages, domain.Message{Role: domain.RoleUser, Content: content, Timestamp: sentAt})
	c.mu.Unlock()

	if err := c.cooldown(ctx, gen); err != nil {
		return domain.Message{}, newError(ErrorServiceUnavailable, "turn_abandoned", err)
	}

	c.mu.Lock()
	history := append([]domain.Message(nil), c.messages...)
	c.mu.Unlock()

	text, err := c.gateway.Complete(ctx, c.request(c.compose(history, annotation)))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if isRateLimited(err) {
			c.escalateLocked()
			return domain.Message{}, newError(ErrorRateLimited, "gateway_rate_limited", err)
		}
		return domain.Message{}, newError(ErrorServiceUnavailable, "gateway_error", err)
	}
	if err := c.currentLocked(ctx, gen); err != nil {
		return domain.Message{}, newError(ErrorServiceUnavailable, "turn_abandoned", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, newError(ErrorServiceUnavailable, "gateway_empty_response", nil)
	}

	msg := domain.Message{Role: domain.RoleAssistant, Content: text, Timestamp: c.now()}
	c.messages = append(c.messages, msg)
	return msg, nil
}

// Reset discards the conversation, e.g. when the user leaves assessment
// mode. Throttle state is kept. Any in-flight turn resolves as abandoned.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.messages = nil
}

// Messages returns a copy of the conversation in order.
func (c *Controller) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Message(nil), c.messages...)
}

func (c *Controller) MinInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minInterval
}

// Snapshot captures the conversation and throttle state. Identity and
// persistence fields are left for the caller to fill.
func (c *Controller) Snapshot() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.SessionState{
		Messages:    append([]domain.Message(nil), c.messages...),
		LastRequest: c.lastRequest,
		MinInterval: c.minInterval,
	}
}

// cooldown blocks until the throttle interval has elapsed since the last
// request, then stamps the new request time.
func (c *Controller) cooldown(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	wait := throttle.Wait(c.now(), c.lastRequest, c.minInterval)
	c.mu.Unlock()

	if wait > 0 {
		c.logger.DebugContext(ctx, "session cooldown", "wait", wait)
	}
	if err := c.sleep(ctx, wait); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.currentLocked(ctx, gen); err != nil {
		return err
	}
	c.lastRequest = c.now()
	return nil
}

func (c *Controller) currentLocked(ctx context.Context, gen uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.generation != gen {
		return errors.New("conversation was reset")
	}
	return nil
}

func (c *Controller) escalateLocked() {
	prev := c.minInterval
	c.minInterval = throttle.Escalate(prev)
	if c.minInterval != prev {
		c.logger.Warn("gateway rate limited, cooldown escalated", "from", prev, "to", c.minInterval)
	}
}

// annotate never fails: any helper error degrades to the neutral note. A
// rate-limited helper call still escalates the cooldown.
func (c *Controller) annotate(ctx context.Context, img domain.ImageRef) string {
	if c.annotator == nil {
		return PhotoNote
	}
	actx, cancel := context.WithTimeout(ctx, c.annotateTimeout)
	defer cancel()

	desc, err := c.annotator.Describe(actx, img)
	if err != nil {
		if isRateLimited(err) {
			c.mu.Lock()
			c.escalateLocked()
			c.mu.Unlock()
		}
		c.logger.WarnContext(ctx, "image annotation failed, using fallback", "err", err)
		return PhotoNote
	}
	desc = strings.Join(strings.Fields(desc), " ")
	if desc == "" {
		return PhotoNote
	}
	return fmt.Sprintf("%s Photo impression: %s", PhotoNote, desc)
}

func (c *Controller) request(text string) domain.CompletionRequest {
	return domain.CompletionRequest{
		Model:       c.opts.Model,
		Messages:    []domain.ChatMessage{{Role: string(domain.RoleUser), Content: text}},
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	}
}

func appendAnnotation(text, annotation string) string {
	if strings.TrimSpace(text) == "" {
		return annotation
	}
	return text + "\n\n" + annotation
}

func isRateLimited(err error) bool {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.HTTPStatusCode() == http.StatusTooManyRequests
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
