package model

// CLI stream-json 事件模型
// claude CLI 在 --output-format stream-json 模式下逐行输出 JSON 事件，
// 这里只建模网关关心的字段，未知事件类型直接跳过。

// CLIEvent CLI 输出的一行事件
type CLIEvent struct {
	Type      string          `json:"type"`    // assistant, system, result, stream_event
	Subtype   string          `json:"subtype,omitempty"`
	Message   *CLIMessage     `json:"message,omitempty"`
	Event     *CLIStreamEvent `json:"event,omitempty"`
	Result    string          `json:"result,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// CLIStreamEvent stream_event 事件的负载，--include-partial-messages 开启后出现
type CLIStreamEvent struct {
	Type  string          `json:"type"` // content_block_delta 等
	Delta *CLIStreamDelta `json:"delta,omitempty"`
}

// CLIStreamDelta 内容块增量，只关心 text_delta
type CLIStreamDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CLIMessage assistant 事件携带的消息体，Content 为 Anthropic 风格的内容块数组或字符串
type CLIMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// CLIResult --output-format json 模式下的单个结果对象
type CLIResult struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
}

// DeltaText 抽取 content_block_delta 里的文本增量，其余 stream_event 子类型返回空
func (e *CLIEvent) DeltaText() string {
	if e.Type != "stream_event" || e.Event == nil || e.Event.Type != "content_block_delta" {
		return ""
	}
	if e.Event.Delta == nil || e.Event.Delta.Type != "text_delta" {
		return ""
	}
	return e.Event.Delta.Text
}

// AssistantText 抽取 assistant 事件中的纯文本增量
func (e *CLIEvent) AssistantText() string {
	if e.Type != "assistant" || e.Message == nil {
		return ""
	}
	return ExtractText(e.Message.Content)
}

// ExtractText 从内容块数组中拼接 text 块，兼容直接给字符串的情况
func ExtractText(content interface{}) string {
	switch typed := content.(type) {
	case string:
		return typed
	case []interface{}:
		var out string
		for _, item := range typed {
			block, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if block["type"] == "text" {
				if text, ok := block["text"].(string); ok {
					out += text
				}
			}
		}
		return out
	default:
		return ""
	}
}
