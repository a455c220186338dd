package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wellbeing-agent/internal/domain"
	"wellbeing-agent/internal/integrations/openai"
	"wellbeing-agent/internal/prompt"
	"wellbeing-agent/internal/throttle"
)

type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	f.slept = append(f.slept, d)
	f.now = f.now.Add(d)
	return nil
}

type gatewayResponse struct {
	text string
	err  error
}

type mockGateway struct {
	clock     *fakeClock
	responses []gatewayResponse
	requests  []domain.CompletionRequest
	callTimes []time.Time
	onCall    func()
}

func (m *mockGateway) Complete(_ context.Context, in domain.CompletionRequest) (string, error) {
	m.requests = append(m.requests, in)
	if m.clock != nil {
		m.callTimes = append(m.callTimes, m.clock.Now())
	}
	if m.onCall != nil {
		m.onCall()
	}
	if len(m.responses) == 0 {
		return "", errors.New("no gateway response configured")
	}
	idx := len(m.requests) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx].text, m.responses[idx].err
}

func (m *mockGateway) lastPrompt() string {
	return m.requests[len(m.requests)-1].Messages[0].Content
}

type stubAnnotator struct {
	desc  string
	err   error
	calls int
}

func (s *stubAnnotator) Describe(_ context.Context, _ domain.ImageRef) (string, error) {
	s.calls++
	return s.desc, s.err
}

func ok(text string) gatewayResponse { return gatewayResponse{text: text} }

func rateLimited() gatewayResponse {
	return gatewayResponse{err: &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests}}
}

func upstreamDown() gatewayResponse {
	return gatewayResponse{err: &openai.HTTPStatusError{StatusCode: http.StatusInternalServerError}}
}

var testOpts = CompletionOptions{Model: "gpt-mock", MaxTokens: 300, Temperature: 0.7}

func newTestController(t *testing.T, gw *mockGateway, clock *fakeClock, opts ...Option) *Controller {
	t.Helper()
	gw.clock = clock
	opts = append([]Option{WithClock(clock.Now, clock.Sleep)}, opts...)
	c, err := New(gw, testOpts, opts...)
	require.NoError(t, err)
	return c
}

func expectSessionError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var sessErr *Error
	require.ErrorAs(t, err, &sessErr)
	require.Equal(t, code, sessErr.Code)
	require.Equal(t, reason, sessErr.Reason)
}

func TestNew_ValidatesDependencies(t *testing.T) {
	_, err := New(nil, testOpts)
	require.Error(t, err)

	_, err = New(&mockGateway{}, CompletionOptions{Model: " "})
	require.Error(t, err)

	c, err := New(&mockGateway{}, testOpts)
	require.NoError(t, err)
	require.Equal(t, throttle.DefaultInterval, c.MinInterval())
	require.Empty(t, c.Messages())
}

func TestStartConversation_HappyPath(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("  Hello, how are you sleeping?  ")}}
	c := newTestController(t, gw, clock)

	msg, err := c.StartConversation(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.RoleAssistant, msg.Role)
	require.Equal(t, "Hello, how are you sleeping?", msg.Content)
	require.Len(t, c.Messages(), 1)

	require.Len(t, gw.requests, 1)
	req := gw.requests[0]
	require.Equal(t, "gpt-mock", req.Model)
	require.Equal(t, 300, req.MaxTokens)
	require.Equal(t, 0.7, req.Temperature)
	require.Equal(t, prompt.Opening(), req.Messages[0].Content)
}

func TestStartConversation_FailureLeavesConversationEmpty(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("Hi there"), ok("Sure"), upstreamDown()}}
	c := newTestController(t, gw, clock)

	_, err := c.StartConversation(context.Background())
	require.NoError(t, err)
	_, err = c.SendTurn(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Len(t, c.Messages(), 3)

	_, err = c.StartConversation(context.Background())
	expectSessionError(t, err, ErrorServiceUnavailable, "opening_gateway_error")
	require.Empty(t, c.Messages())
}

func TestStartConversation_RateLimitedEscalatesButReportsUnavailable(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{rateLimited()}}
	c := newTestController(t, gw, clock)

	_, err := c.StartConversation(context.Background())
	expectSessionError(t, err, ErrorServiceUnavailable, "opening_rate_limited")
	require.Empty(t, c.Messages())
	require.Equal(t, throttle.RateLimitedInterval, c.MinInterval())
}

func TestStartConversation_EmptyResponse(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("   ")}}
	c := newTestController(t, gw, clock)

	_, err := c.StartConversation(context.Background())
	expectSessionError(t, err, ErrorServiceUnavailable, "opening_empty_response")
	require.Empty(t, c.Messages())
}

func TestEndToEnd_StartThenTurn(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("Welcome. How has your energy been?"), ok("That sounds draining.")}}
	c := newTestController(t, gw, clock)

	first, err := c.StartConversation(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, first.Content)
	require.Len(t, c.Messages(), 1)

	reply, err := c.SendTurn(context.Background(), "I feel tired lately", nil)
	require.NoError(t, err)
	require.Equal(t, "That sounds draining.", reply.Content)

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, domain.RoleUser, msgs[1].Role)
	require.Equal(t, "I feel tired lately", msgs[1].Content)
	require.Equal(t, domain.RoleAssistant, msgs[2].Role)

	require.Contains(t, gw.lastPrompt(), "Assistant: Welcome. How has your energy been?\nPerson: I feel tired lately\n")
}

func TestSendTurn_EmptyInputLeavesConversationUnchanged(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("Hi")}}
	c := newTestController(t, gw, clock)
	_, err := c.StartConversation(context.Background())
	require.NoError(t, err)

	_, err = c.SendTurn(context.Background(), "", nil)
	expectSessionError(t, err, ErrorEmptyInput, "empty_turn")

	_, err = c.SendTurn(context.Background(), "  \n ", &domain.ImageRef{})
	expectSessionError(t, err, ErrorEmptyInput, "empty_turn")

	require.Len(t, c.Messages(), 1)
	require.Len(t, gw.requests, 1)
}

func TestSendTurn_GatewayFailureKeepsUserMessage(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("Hi"), upstreamDown()}}
	c := newTestController(t, gw, clock)
	_, err := c.StartConversation(context.Background())
	require.NoError(t, err)

	_, err = c.SendTurn(context.Background(), "not great", nil)
	expectSessionError(t, err, ErrorServiceUnavailable, "gateway_error")

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleUser, msgs[1].Role)
	require.Equal(t, "not great", msgs[1].Content)
	require.Equal(t, throttle.DefaultInterval, c.MinInterval(), "generic errors must not escalate")
}

func TestSendTurn_EmptyAssistantReply(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("  ")}}
	c := newTestController(t, gw, clock)

	_, err := c.SendTurn(context.Background(), "hello", nil)
	expectSessionError(t, err, ErrorServiceUnavailable, "gateway_empty_response")
	require.Len(t, c.Messages(), 1)
}

func TestSendTurn_MessageCountProperty(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{
		ok("one"), upstreamDown(), ok("three"), rateLimited(), ok("five"),
	}}
	c := newTestController(t, gw, clock)

	want := 0
	for i, resp := range gw.responses {
		_, err := c.SendTurn(context.Background(), "turn", nil)
		if resp.err == nil {
			require.NoError(t, err, "turn %d", i)
			want += 2
		} else {
			require.Error(t, err, "turn %d", i)
			want++
		}
		require.Len(t, c.Messages(), want, "turn %d", i)
	}
}

func TestSendTurn_NoConsecutiveAssistantMessages(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("hi"), ok("a"), upstreamDown(), ok("b")}}
	c := newTestController(t, gw, clock)

	_, err := c.StartConversation(context.Background())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _ = c.SendTurn(context.Background(), "x", nil)
	}

	msgs := c.Messages()
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].Role == domain.RoleAssistant && msgs[i-1].Role == domain.RoleAssistant, "index %d", i)
	}
}

func TestSendTurn_RateLimitEscalatesAndNeverDecreases(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("hi"), rateLimited(), ok("fine"), upstreamDown(), ok("ok")}}
	c := newTestController(t, gw, clock)

	_, err := c.StartConversation(context.Background())
	require.NoError(t, err)
	require.Equal(t, throttle.DefaultInterval, c.MinInterval())

	_, err = c.SendTurn(context.Background(), "a", nil)
	expectSessionError(t, err, ErrorRateLimited, "gateway_rate_limited")
	require.Equal(t, throttle.RateLimitedInterval, c.MinInterval())

	for _, text := range []string{"b", "c", "d"} {
		_, _ = c.SendTurn(context.Background(), text, nil)
		require.Equal(t, throttle.RateLimitedInterval, c.MinInterval())
	}
}

func TestSendTurn_EnforcesCooldownBetweenCalls(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("hi"), ok("a"), rateLimited(), ok("c")}}
	c := newTestController(t, gw, clock)

	_, err := c.StartConversation(context.Background())
	require.NoError(t, err)

	clock.now = clock.now.Add(2 * time.Second)
	_, err = c.SendTurn(context.Background(), "a", nil)
	require.NoError(t, err)

	_, _ = c.SendTurn(context.Background(), "b", nil)
	_, err = c.SendTurn(context.Background(), "c", nil)
	require.NoError(t, err)

	require.Equal(t, []time.Duration{3 * time.Second, 5 * time.Second, 10 * time.Second}, clock.slept)

	intervals := []time.Duration{throttle.DefaultInterval, throttle.DefaultInterval, throttle.RateLimitedInterval}
	for i := 1; i < len(gw.callTimes); i++ {
		require.GreaterOrEqual(t, gw.callTimes[i].Sub(gw.callTimes[i-1]), intervals[i-1], "call %d", i)
	}
}

func TestSendTurn_FirstCallDoesNotWait(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("hi")}}
	c := newTestController(t, gw, clock)

	_, err := c.SendTurn(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Empty(t, clock.slept)
}

func TestSendTurn_CancelledDuringCooldown(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("hi")}}
	c := newTestController(t, gw, clock)
	_, err := c.StartConversation(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.SendTurn(ctx, "are you there?", nil)
	expectSessionError(t, err, ErrorServiceUnavailable, "turn_abandoned")
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, gw.requests, 1)
	require.Len(t, c.Messages(), 2)
}

func TestSendTurn_LateResultAfterCancelIsDiscarded(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &mockGateway{responses: []gatewayResponse{ok("too late")}, onCall: cancel}
	c := newTestController(t, gw, clock)

	_, err := c.SendTurn(ctx, "hello", nil)
	expectSessionError(t, err, ErrorServiceUnavailable, "turn_abandoned")

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, domain.RoleUser, msgs[0].Role)
}

func TestSendTurn_LateResultAfterResetIsDiscarded(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("stale")}}
	c := newTestController(t, gw, clock)
	gw.onCall = c.Reset

	_, err := c.SendTurn(context.Background(), "hello", nil)
	expectSessionError(t, err, ErrorServiceUnavailable, "turn_abandoned")
	require.Empty(t, c.Messages())
}

func TestSendTurn_ImageAnnotationFailureFallsBack(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("Thanks for sharing.")}}
	annotator := &stubAnnotator{err: errors.New("vision down")}
	c := newTestController(t, gw, clock, WithAnnotator(annotator))

	reply, err := c.SendTurn(context.Background(), "", &domain.ImageRef{URL: "https://example.com/me.jpg"})
	require.NoError(t, err)
	require.Equal(t, "Thanks for sharing.", reply.Content)
	require.Equal(t, 1, annotator.calls)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, PhotoNote, msgs[0].Content)
	require.Equal(t, 1, strings.Count(gw.lastPrompt(), PhotoNote))
	require.Contains(t, gw.lastPrompt(), "includes a photo")
}

func TestSendTurn_RateLimitedAnnotationEscalates(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("Thanks for sharing.")}}
	annotator := &stubAnnotator{err: fmt.Errorf("describe image: %w", &openai.HTTPStatusError{StatusCode: http.StatusTooManyRequests})}
	c := newTestController(t, gw, clock, WithAnnotator(annotator))

	reply, err := c.SendTurn(context.Background(), "me", &domain.ImageRef{URL: "https://example.com/me.jpg"})
	require.NoError(t, err)
	require.Equal(t, "Thanks for sharing.", reply.Content)
	require.Equal(t, "me\n\n"+PhotoNote, c.Messages()[0].Content)
	require.Equal(t, throttle.RateLimitedInterval, c.MinInterval())
}

func TestSendTurn_ImageAnnotationAppendedToText(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("I hear you.")}}
	annotator := &stubAnnotator{desc: "  looks tired,\n slightly tense "}
	c := newTestController(t, gw, clock, WithAnnotator(annotator))

	_, err := c.SendTurn(context.Background(), "this is me today", &domain.ImageRef{Data: []byte{1, 2}, MIMEType: "image/png"})
	require.NoError(t, err)

	msgs := c.Messages()
	require.Equal(t, "this is me today\n\n"+PhotoNote+" Photo impression: looks tired, slightly tense", msgs[0].Content)
	require.Equal(t, 1, strings.Count(gw.lastPrompt(), "looks tired, slightly tense"))
}

func TestSendTurn_ImageWithoutAnnotator(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("ok")}}
	c := newTestController(t, gw, clock)

	_, err := c.SendTurn(context.Background(), "hi", &domain.ImageRef{URL: "https://example.com/me.jpg"})
	require.NoError(t, err)
	require.Equal(t, "hi\n\n"+PhotoNote, c.Messages()[0].Content)
}

func TestSendTurn_UsesInjectedComposer(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("ok")}}
	var gotHistory []domain.Message
	var gotAnnotation string
	composer := func(history []domain.Message, annotation string) string {
		gotHistory = history
		gotAnnotation = annotation
		return "FIXED PROMPT"
	}
	c := newTestController(t, gw, clock, WithComposer(composer))

	_, err := c.SendTurn(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.Equal(t, "FIXED PROMPT", gw.lastPrompt())
	require.Len(t, gotHistory, 1)
	require.Equal(t, "hello", gotHistory[0].Content)
	require.Empty(t, gotAnnotation)
}

func TestSnapshot_RestoreRoundTrip(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("hi"), rateLimited()}}
	c := newTestController(t, gw, clock)
	_, err := c.StartConversation(context.Background())
	require.NoError(t, err)
	_, _ = c.SendTurn(context.Background(), "hello", nil)

	snap := c.Snapshot()
	require.Len(t, snap.Messages, 2)
	require.Equal(t, throttle.RateLimitedInterval, snap.MinInterval)
	require.Equal(t, clock.now, snap.LastRequest)

	gw2 := &mockGateway{responses: []gatewayResponse{ok("welcome back")}}
	restored := newTestController(t, gw2, clock, WithState(snap))
	require.Equal(t, snap.Messages, restored.Messages())
	require.Equal(t, throttle.RateLimitedInterval, restored.MinInterval())

	_, err = restored.SendTurn(context.Background(), "again", nil)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, clock.slept)
}

func TestWithState_IntervalFloor(t *testing.T) {
	c, err := New(&mockGateway{}, testOpts, WithState(domain.SessionState{MinInterval: time.Second}))
	require.NoError(t, err)
	require.Equal(t, throttle.DefaultInterval, c.MinInterval())
}

func TestMessages_DefensiveCopy(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{ok("hi")}}
	c := newTestController(t, gw, clock)
	_, err := c.StartConversation(context.Background())
	require.NoError(t, err)

	msgs := c.Messages()
	msgs[0].Content = "tampered"
	require.Equal(t, "hi", c.Messages()[0].Content)
}

func TestReset_KeepsThrottleState(t *testing.T) {
	clock := newFakeClock()
	gw := &mockGateway{responses: []gatewayResponse{rateLimited()}}
	c := newTestController(t, gw, clock)
	_, _ = c.SendTurn(context.Background(), "hi", nil)

	c.Reset()
	require.Empty(t, c.Messages())
	require.Equal(t, throttle.RateLimitedInterval, c.MinInterval())
}
