package service

import (
	"encoding/json"
	"strings"

	"claude-gateway/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// ValidationOutcome 模型输出的结构校验结果
type ValidationOutcome struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidateCompletion 纯结构校验：模型原始输出是否已经是一个合法的
// chat.completion 响应。用 go-openai 的响应类型做为目标形状。
func ValidateCompletion(raw string) ValidationOutcome {
	var outcome ValidationOutcome

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		outcome.Errors = append(outcome.Errors, "empty output")
		return outcome
	}
	if !strings.HasPrefix(trimmed, "{") {
		outcome.Errors = append(outcome.Errors, "output is not a JSON object")
		return outcome
	}

	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		outcome.Errors = append(outcome.Errors, "invalid JSON: "+err.Error())
		return outcome
	}

	if resp.Object != "chat.completion" {
		outcome.Errors = append(outcome.Errors, "object is not chat.completion")
	}
	if len(resp.Choices) == 0 {
		outcome.Errors = append(outcome.Errors, "choices is empty")
	} else if resp.Choices[0].Message.Role != "assistant" {
		outcome.Errors = append(outcome.Errors, "first choice message role is not assistant")
	}

	outcome.Valid = len(outcome.Errors) == 0
	return outcome
}

// ParseCompletion 校验通过后的解析，转回网关自己的响应类型
func ParseCompletion(raw, modelName string) (*model.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &resp); err != nil {
		return nil, err
	}

	out := &model.ChatCompletionResponse{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Usage: model.ChatCompletionUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	if out.ID == "" {
		out.ID = model.NewCompletionID()
	}
	if out.Created == 0 {
		out.Created = model.NowUnix()
	}
	if out.Model == "" {
		out.Model = modelName
	}

	for i, choice := range resp.Choices {
		finish := string(choice.FinishReason)
		if finish == "" {
			finish = "stop"
		}
		out.Choices = append(out.Choices, model.ChatCompletionChoice{
			Index: i,
			Message: model.ChatMessage{
				Role:    choice.Message.Role,
				Content: choice.Message.Content,
			},
			FinishReason: finish,
		})
	}

	return out, nil
}

// WrapAsText 自我修复策略：校验失败的原始文本原样包进合成信封，
// 作为成功响应返回。不做二次追问（策略二选一，见 DESIGN.md）
func WrapAsText(raw, modelName string) *model.ChatCompletionResponse {
	return &model.ChatCompletionResponse{
		ID:      model.NewCompletionID(),
		Object:  "chat.completion",
		Created: model.NowUnix(),
		Model:   modelName,
		Choices: []model.ChatCompletionChoice{
			{
				Index: 0,
				Message: model.ChatMessage{
					Role:    "assistant",
					Content: raw,
				},
				FinishReason: "stop",
			},
		},
		Usage: model.ChatCompletionUsage{
			CompletionTokens: model.EstimateTokens(raw),
			TotalTokens:      model.EstimateTokens(raw),
		},
	}
}
