package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"wellbeing-agent/internal/domain"
	"wellbeing-agent/internal/prompt"
)

const maxAnnotationRunes = 280

// GatewayAnnotator asks the gateway's vision model for a one-line emotional
// reading of an image.
type GatewayAnnotator struct {
	gateway Gateway
	opts    CompletionOptions
}

func NewGatewayAnnotator(gw Gateway, opts CompletionOptions) (*GatewayAnnotator, error) {
	if gw == nil {
		return nil, errors.New("session: annotator gateway must not be nil")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("session: annotator model must not be empty")
	}
	return &GatewayAnnotator{gateway: gw, opts: opts}, nil
}

func (a *GatewayAnnotator) Describe(ctx context.Context, img domain.ImageRef) (string, error) {
	src := img.Source()
	if src == "" {
		return "", errors.New("session: image has no data or url")
	}
	text, err := a.gateway.Complete(ctx, domain.CompletionRequest{
		Model: a.opts.Model,
		Messages: []domain.ChatMessage{{
			Role:    string(domain.RoleUser),
			Content: prompt.ImageSentiment(),
			Images:  []string{src},
		}},
		MaxTokens:   a.opts.MaxTokens,
		Temperature: a.opts.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("session: describe image: %w", err)
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "", errors.New("session: empty image description")
	}
	if r := []rune(text); len(r) > maxAnnotationRunes {
		text = string(r[:maxAnnotationRunes]) + "..."
	}
	return text, nil
}
