package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"claude-gateway/internal/config"
	"claude-gateway/internal/invoker"
	"claude-gateway/internal/model"
	"claude-gateway/pkg/logger"

	"github.com/google/uuid"
)

// formatInstruction 注入到 prompt 最前面的输出约定
// 结构复杂的请求需要显式约定输出格式，简单单轮请求跳过以省 token
const formatInstruction = `You must respond with a single JSON object and nothing else. The object must follow the OpenAI chat.completion schema: {"id": string, "object": "chat.completion", "created": unix-seconds, "model": string, "choices": [{"index": 0, "message": {"role": "assistant", "content": string}, "finish_reason": "stop"}], "usage": {"prompt_tokens": int, "completion_tokens": int, "total_tokens": int}}. Do not wrap the JSON in markdown fences.`

// ChatService 会话编排器：决定每个请求建会话、复用会话还是绕过会话，
// 并持有校验→修复流程。依赖全部注入，不走包级全局状态
type ChatService struct {
	cfg      *config.Config
	invoker  invoker.Invoker
	registry *SessionRegistry
	streams  *StreamManager
}

func NewChatService(cfg *config.Config, inv invoker.Invoker, registry *SessionRegistry, streams *StreamManager) *ChatService {
	return &ChatService{
		cfg:      cfg,
		invoker:  inv,
		registry: registry,
		streams:  streams,
	}
}

// Fingerprint 所有 system 消息内容按序拼接后的 sha256
// 内容逐字节相同指纹必然相同，任何字节差异指纹必然不同
func Fingerprint(systemMessages []model.ChatMessage) string {
	h := sha256.New()
	for i, msg := range systemMessages {
		if i > 0 {
			h.Write([]byte("\n"))
		}
		h.Write([]byte(msg.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Handle 非流式入口：编排会话、调用 CLI、校验并修复输出
func (s *ChatService) Handle(ctx context.Context, req *model.ChatRequest) (*model.ChatCompletionResponse, error) {
	prompt, sessionID, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	modelName := s.modelName(req)

	raw, err := s.invoker.Invoke(ctx, prompt, modelName, sessionID, false)
	if err != nil {
		return nil, err
	}

	// 校验→修复：合法输出直接解析，不合法的原样包成信封返回成功
	var resp *model.ChatCompletionResponse
	if outcome := ValidateCompletion(raw); outcome.Valid {
		resp, err = ParseCompletion(raw, modelName)
		if err != nil {
			resp = WrapAsText(raw, modelName)
		}
	} else {
		logger.Debugf("模型输出未通过校验(%v)，按文本包装返回", outcome.Errors)
		resp = WrapAsText(raw, modelName)
	}

	if resp.Usage.PromptTokens == 0 {
		resp.Usage.PromptTokens = model.EstimateTokens(prompt)
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}

	return resp, nil
}

// HandleStreaming 流式入口：返回已格式化的 SSE 帧通道和连接 ID
// 流式路径绕过 JSON 信封，CLI 的增量文本直接作为内容 delta 下发
func (s *ChatService) HandleStreaming(ctx context.Context, req *model.ChatRequest) (<-chan string, string, error) {
	prompt, sessionID, err := s.prepare(ctx, req)
	if err != nil {
		return nil, "", err
	}

	modelName := s.modelName(req)

	streamCtx, cancel := context.WithCancel(ctx)
	connID := uuid.New().String()
	s.streams.Register(connID, cancel)

	events, errs := s.invoker.InvokeStreaming(streamCtx, prompt, modelName, sessionID)

	assembler := NewStreamAssembler(modelName, s.cfg.Stream.ChunkSize, s.cfg.Stream.ChunkDelay)
	frames := assembler.Assemble(streamCtx, events, errs)

	// 帧转发经过连接管理器记账，装配结束后统一走幂等关闭
	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer s.streams.Close(connID)

		for frame := range frames {
			s.streams.Activity(connID)
			select {
			case out <- frame:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return out, connID, nil
}

// CloseStream 传输层断开/出错时的显式关闭入口，重复调用无副作用
func (s *ChatService) CloseStream(connID string) {
	s.streams.Close(connID)
}

// ActiveStreams 当前在途连接数
func (s *ChatService) ActiveStreams() int {
	return s.streams.ActiveCount()
}

// SessionCount 注册表中的会话数
func (s *ChatService) SessionCount() int {
	return s.registry.Len()
}

// prepare 会话决策 + prompt 渲染
// 返回要发给 CLI 的 prompt 和复用的 CLI 会话 ID（无会话时为空）
func (s *ChatService) prepare(ctx context.Context, req *model.ChatRequest) (string, string, error) {
	systemMsgs := req.SystemMessages()

	// 没有 system 消息：全量消息直接调用，不建会话
	if len(systemMsgs) == 0 {
		return s.renderPrompt(req, req.Messages), "", nil
	}

	fp := Fingerprint(systemMsgs)
	systemPrompt := concatSystem(systemMsgs)

	record, err := s.registry.GetOrCreate(ctx, fp, systemPrompt, func(ctx context.Context) (string, error) {
		result, err := s.invoker.Setup(ctx, systemPrompt, s.modelName(req))
		if err != nil {
			return "", err
		}
		if !result.Ok() {
			// 进程层面成功但拿不到 session id：环境故障，致命且不重试
			return "", fmt.Errorf("%w: raw output: %s", ErrSessionSetup, truncateForLog(result.Raw, 200))
		}
		return result.SessionID, nil
	})
	if err != nil {
		return "", "", err
	}

	// system 内容已在 CLI 侧生效，只发剩余消息
	return s.renderPrompt(req, req.NonSystemMessages()), record.CLISessionID, nil
}

// needsFormatInstruction 结构化输出约定的注入条件：
// 有工具、多于两条消息、带 system 消息、或最后一条 user 消息超过 200 字符
func needsFormatInstruction(req *model.ChatRequest) bool {
	if len(req.Tools) > 0 {
		return true
	}
	if len(req.Messages) > 2 {
		return true
	}
	if len(req.SystemMessages()) > 0 {
		return true
	}
	return len(req.LastUserContent()) > 200
}

// renderPrompt 把消息序列渲染成 CLI 的纯文本 prompt
func (s *ChatService) renderPrompt(req *model.ChatRequest, messages []model.ChatMessage) string {
	var b strings.Builder

	if needsFormatInstruction(req) {
		b.WriteString(formatInstruction)
		b.WriteString("\n\n")
	}

	if len(req.Tools) > 0 {
		// 工具只透传声明，执行发生在客户端
		toolsJSON, err := json.Marshal(req.Tools)
		if err == nil {
			b.WriteString("Available tools (report tool calls in your answer, do not execute):\n")
			b.Write(toolsJSON)
			b.WriteString("\n\n")
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			b.WriteString("System: ")
		case "assistant":
			b.WriteString("Assistant: ")
		case "tool":
			fmt.Fprintf(&b, "Tool result (%s): ", msg.ToolCallID)
		default:
			b.WriteString("Human: ")
		}
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}

	b.WriteString("Assistant:")
	return b.String()
}

func (s *ChatService) modelName(req *model.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return s.cfg.Claude.DefaultModel
}

func concatSystem(systemMsgs []model.ChatMessage) string {
	parts := make([]string, 0, len(systemMsgs))
	for _, msg := range systemMsgs {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n")
}

func truncateForLog(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
