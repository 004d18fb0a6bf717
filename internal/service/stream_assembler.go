package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"claude-gateway/internal/model"
	"claude-gateway/pkg/logger"
)

// StreamAssembler 把 CLI 的行事件流装配成 OpenAI SSE 帧序列
// 输出顺序严格等于上游事件到达顺序：role 帧 → 内容增量帧* → finish 帧 → [DONE]
// 上游出错时只发一个错误帧，之后不再有任何帧
type StreamAssembler struct {
	modelName  string
	chunkSize  int
	chunkDelay time.Duration
}

func NewStreamAssembler(modelName string, chunkSize int, chunkDelay time.Duration) *StreamAssembler {
	return &StreamAssembler{
		modelName:  modelName,
		chunkSize:  chunkSize,
		chunkDelay: chunkDelay,
	}
}

// Assemble 懒惰消费上游事件，产出已格式化好的 SSE 帧字符串
// HTTP 层逐帧原样写出即可
func (a *StreamAssembler) Assemble(ctx context.Context, events <-chan model.CLIEvent, errs <-chan error) <-chan string {
	frames := make(chan string, 16)

	go func() {
		defer close(frames)

		id := model.NewCompletionID()
		created := model.NowUnix()

		emit := func(frame string) bool {
			select {
			case frames <- frame:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// 首帧只带 role，建立 delta 信封
		if !emit(a.roleFrame(id, created)) {
			return
		}

		sawDelta := false
		sawPartial := false
		resultText := ""

		for event := range events {
			switch event.Type {
			case "stream_event":
				text := event.DeltaText()
				if text == "" {
					continue
				}
				if !emit(a.contentFrame(id, created, text)) {
					return
				}
				sawDelta = true
				sawPartial = true

			case "assistant":
				// 增量模式下 assistant 事件是前面 delta 的全量汇总，直接发会重复
				if sawPartial {
					continue
				}
				text := event.AssistantText()
				if text == "" {
					continue // 空增量不发帧
				}
				if !emit(a.contentFrame(id, created, text)) {
					return
				}
				sawDelta = true

			case "result":
				if event.IsError {
					emit(a.errorFrame(event.Result))
					return
				}
				resultText = event.Result

			default:
				// system 等事件与输出无关
			}
		}

		// 事件通道关闭后检查上游是否以错误收尾
		select {
		case err, ok := <-errs:
			if ok && err != nil {
				logger.Errorf("上游流错误: %v", err)
				emit(a.errorFrame(err.Error()))
				return
			}
		default:
		}

		// CLI 没有逐段输出、只给了最终结果时，按 rune 分块合成流式效果
		if !sawDelta && resultText != "" {
			for _, chunk := range splitRunes(resultText, a.chunkSize) {
				if !emit(a.contentFrame(id, created, chunk)) {
					return
				}
				select {
				case <-time.After(a.chunkDelay):
				case <-ctx.Done():
					return
				}
			}
		}

		if !emit(a.finishFrame(id, created)) {
			return
		}
		emit("data: [DONE]\n\n")
	}()

	return frames
}

func (a *StreamAssembler) roleFrame(id string, created int64) string {
	chunk := model.NewChunk(id, a.modelName, created)
	chunk.Choices[0].Delta.Role = "assistant"
	return marshalFrame(chunk)
}

func (a *StreamAssembler) contentFrame(id string, created int64, text string) string {
	chunk := model.NewChunk(id, a.modelName, created)
	chunk.Choices[0].Delta.Content = text
	return marshalFrame(chunk)
}

func (a *StreamAssembler) finishFrame(id string, created int64) string {
	chunk := model.NewChunk(id, a.modelName, created)
	finish := "stop"
	chunk.Choices[0].FinishReason = &finish
	return marshalFrame(chunk)
}

func (a *StreamAssembler) errorFrame(message string) string {
	data, _ := json.Marshal(model.ErrorResponse{
		Error: model.ErrorDetail{
			Message: message,
			Type:    "stream_error",
		},
	})
	return fmt.Sprintf("data: %s\n\n", data)
}

func marshalFrame(chunk model.ChatCompletionChunk) string {
	data, _ := json.Marshal(chunk)
	return fmt.Sprintf("data: %s\n\n", data)
}

// splitRunes 按 rune 数切块，避免把多字节字符切断
func splitRunes(text string, size int) []string {
	if size <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}
	var chunks []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
