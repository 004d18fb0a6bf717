package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChatCompletionResponse OpenAI 非流式响应
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   ChatCompletionUsage    `json:"usage"`
}

type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type ChatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk OpenAI 流式响应分片
type ChatCompletionChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []ChatStreamChoice `json:"choices"`
}

type ChatStreamChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type ChatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ErrorResponse OpenAI 格式的错误信封，客户端永远看不到裸异常
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewCompletionID 生成 chatcmpl- 前缀的响应 ID
func NewCompletionID() string {
	return fmt.Sprintf("chatcmpl-%s", uuid.New().String())
}

// NewChunk 构造一个空的流式分片骨架，ID/时间戳由调用方统一持有
func NewChunk(id, model string, created int64) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChatStreamChoice{{Index: 0}},
	}
}

// EstimateTokens 粗略估算 token 数，CLI 不回报用量时用作占位
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// NowUnix 统一取秒级时间戳
func NowUnix() int64 {
	return time.Now().Unix()
}
