package model

import "encoding/json"

// ChatMessage OpenAI 格式的单条消息，顺序敏感、只追加
type ChatMessage struct {
	Role       string `json:"role" binding:"required"` // system, user, assistant, tool
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Tool 客户端声明的工具定义，网关只透传进 prompt，不负责执行
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest /v1/chat/completions 请求体
// Temperature/MaxTokens 等调参字段接受但忽略，CLI 侧不支持
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages" binding:"required"`
	Stream      bool          `json:"stream"`
	Tools       []Tool        `json:"tools,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float32      `json:"top_p,omitempty"`
	User        string        `json:"user,omitempty"`
}

// SystemMessages 取出所有 system 角色消息，保持原始顺序
func (r *ChatRequest) SystemMessages() []ChatMessage {
	var out []ChatMessage
	for _, msg := range r.Messages {
		if msg.Role == "system" {
			out = append(out, msg)
		}
	}
	return out
}

// NonSystemMessages 取出 system 之外的消息，保持原始顺序
func (r *ChatRequest) NonSystemMessages() []ChatMessage {
	var out []ChatMessage
	for _, msg := range r.Messages {
		if msg.Role != "system" {
			out = append(out, msg)
		}
	}
	return out
}

// LastUserContent 最后一条 user 消息的内容，没有则返回空串
func (r *ChatRequest) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}
