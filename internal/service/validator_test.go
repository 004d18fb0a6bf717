package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validCompletion = `{
	"id": "chatcmpl-abc",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "sonnet",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "ok"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
}`

func TestValidateCompletion(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		valid bool
	}{
		{"合法响应", validCompletion, true},
		{"纯文本", "The answer is 4.", false},
		{"空输出", "   ", false},
		{"非 completion 对象", `{"object":"list","data":[]}`, false},
		{"choices 为空", `{"object":"chat.completion","choices":[]}`, false},
		{"截断的 JSON", `{"object":"chat.completion","choices":[{"ind`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := ValidateCompletion(tt.raw)
			assert.Equal(t, tt.valid, outcome.Valid)
			if !tt.valid {
				assert.NotEmpty(t, outcome.Errors)
			}
		})
	}
}

func TestParseCompletion(t *testing.T) {
	resp, err := ParseCompletion(validCompletion, "sonnet")
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-abc", resp.ID)
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "ok", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 2, resp.Usage.TotalTokens)
}

func TestWrapAsTextExact(t *testing.T) {
	// 原文必须逐字节进入 content，包括前后空白和内嵌引号
	raw := "  not \"json\" at all\n"
	resp := WrapAsText(raw, "sonnet")

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, raw, resp.Choices[0].Message.Content)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "sonnet", resp.Model)
	assert.NotZero(t, resp.Created)
	assert.NotEmpty(t, resp.ID)
}
