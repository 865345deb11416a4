package ai

import (
	"context"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/tts-relay/internal/config"
	"github.com/zhouzirui/tts-relay/internal/model/chat"
	"github.com/zhouzirui/tts-relay/internal/platform/logger"
)

type fakeChatModel struct {
	mu     sync.Mutex
	input  []*schema.Message
	chunks []string
}

func (m *fakeChatModel) record(input []*schema.Message) {
	m.mu.Lock()
	m.input = input
	m.mu.Unlock()
}

func (m *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.record(input)
	var content string
	for _, c := range m.chunks {
		content += c
	}
	return schema.AssistantMessage(content, nil), nil
}

func (m *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.record(input)
	msgs := make([]*schema.Message, 0, len(m.chunks))
	for _, c := range m.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (m *fakeChatModel) BindTools(_ []*schema.ToolInfo) error { return nil }

func TestReplyBuildsPrompt(t *testing.T) {
	ctx := context.Background()
	fake := &fakeChatModel{chunks: []string{"Hel", "lo", "!"}}
	cfg := config.AIConfig{SystemPrompt: "Be brief.", HistoryLimit: 2}

	svc, err := NewServiceWithModel(ctx, fake, cfg, logger.Discard())
	if err != nil {
		t.Fatalf("NewServiceWithModel err: %v", err)
	}

	history := []chat.Turn{
		{Role: chat.RoleUser, Content: "old question"},
		{Role: chat.RoleAssistant, Content: "old answer"},
		{Role: chat.RoleUser, Content: "recent question"},
		{Role: chat.RoleAssistant, Content: "recent answer"},
	}

	reply, err := svc.Reply(ctx, history, "how are you?")
	if err != nil {
		t.Fatalf("Reply err: %v", err)
	}
	if reply != "Hello!" {
		t.Fatalf("unexpected reply %q", reply)
	}

	fake.mu.Lock()
	input := fake.input
	fake.mu.Unlock()

	if len(input) != 4 {
		t.Fatalf("expected system + 2 history + query, got %d messages", len(input))
	}
	if input[0].Role != schema.System || input[0].Content != "Be brief." {
		t.Fatalf("unexpected system message %+v", input[0])
	}
	if input[1].Content != "recent question" || input[2].Role != schema.Assistant {
		t.Fatalf("history not trimmed to the latest turns: %+v %+v", input[1], input[2])
	}
	if input[3].Role != schema.User || input[3].Content != "how are you?" {
		t.Fatalf("unexpected query message %+v", input[3])
	}
}

func TestBuildHistoryMessagesSkipsUnknownRoles(t *testing.T) {
	svc := &Service{}
	msgs := svc.buildHistoryMessages([]chat.Turn{
		{Role: "User", Content: "a"},
		{Role: "narrator", Content: "b"},
		{Role: "assistant", Content: "c"},
	})
	if len(msgs) != 2 || msgs[1].Role != schema.Assistant {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}
