// Package bootstrap builds the request handler and its AWS-backed
// dependencies. Both the Lambda entry point and the local devserver use it.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"wellbeing-agent/handler"
	"wellbeing-agent/internal/config"
	"wellbeing-agent/internal/integrations/openai"
	"wellbeing-agent/internal/integrations/paramstore"
	"wellbeing-agent/internal/repository"
	"wellbeing-agent/internal/usecase"
)

// NewHandler wires the check-in handler from cfg using the default AWS
// credential chain.
func NewHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*handler.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load AWS config: %w", err)
	}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: create SSM client: %w", err)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: create state client: %w", err)
	}
	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix, openai.WithBaseURL(cfg.OpenAIBaseURL))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: create OpenAI client: %w", err)
	}

	checkIn, err := usecase.NewCheckInService(ssmClient, openaiClient, stateClient, cfg.ParamPrefix, usecase.Limits{
		MaxTextLength: cfg.MaxTextLength,
		MaxImageBytes: cfg.MaxImageBytes,
		MaxTurns:      cfg.MaxTurns,
		TurnTimeout:   cfg.TurnTimeout,
	}, usecase.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: create check-in service: %w", err)
	}

	h, err := handler.NewHandler(checkIn, handler.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: create handler: %w", err)
	}
	return h, nil
}
