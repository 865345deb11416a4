package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/tts-relay/internal/config"
	"github.com/zhouzirui/tts-relay/internal/model/chat"
)

// Service produces companion replies whose text is later sent to the TTS relay.
type Service struct {
	cfg   config.AIConfig
	chain compose.Runnable[map[string]any, *schema.Message]
	log   *slog.Logger
}

// NewService creates the service with the Ark chat model from cfg.
func NewService(ctx context.Context, cfg config.AIConfig, log *slog.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg, log)
}

// NewServiceWithModel builds the prompt chain around an existing model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, cfg config.AIConfig, log *slog.Logger) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		cfg:   cfg,
		chain: runnable,
		log:   log.With(slog.String("component", "ai_service")),
	}, nil
}

// StreamReply streams the model's reply to prompt given the prior turns.
func (s *Service) StreamReply(ctx context.Context, history []chat.Turn, prompt string) (*schema.StreamReader[*schema.Message], error) {
	stream, err := s.chain.Stream(ctx, s.buildChainInput(history, prompt))
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

// Reply returns the whole reply at once.
func (s *Service) Reply(ctx context.Context, history []chat.Turn, prompt string) (string, error) {
	stream, err := s.StreamReply(ctx, history, prompt)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("receive reply: %w", err)
		}
		if chunk != nil {
			b.WriteString(chunk.Content)
		}
	}

	s.log.Debug("generated reply", slog.Int("length", b.Len()))
	return b.String(), nil
}

func (s *Service) buildChainInput(history []chat.Turn, prompt string) map[string]any {
	return map[string]any{
		"system":  s.cfg.SystemPrompt,
		"history": s.buildHistoryMessages(history),
		"query":   prompt,
	}
}

func (s *Service) buildHistoryMessages(turns []chat.Turn) []*schema.Message {
	limit := s.cfg.HistoryLimit
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch strings.ToLower(turn.Role) {
		case "user":
			history = append(history, schema.UserMessage(turn.Content))
		case "ai", "assistant":
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return history
}
