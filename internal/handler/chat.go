package handler

import (
	"errors"
	"net/http"

	"claude-gateway/internal/invoker"
	"claude-gateway/internal/model"
	"claude-gateway/internal/service"
	"claude-gateway/internal/utils"
	"claude-gateway/pkg/logger"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	chatService *service.ChatService
}

func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
	}
}

// ChatCompletions /v1/chat/completions 入口，按 stream 参数分流
func (h *ChatHandler) ChatCompletions(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	if len(req.Messages) == 0 {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "messages is required")
		return
	}

	logger.Infof("收到请求: model=%s, messages=%d, stream=%v, tools=%d",
		req.Model, len(req.Messages), req.Stream, len(req.Tools))

	if req.Stream {
		h.handleStreaming(c, &req)
	} else {
		h.handleNonStreaming(c, &req)
	}
}

func (h *ChatHandler) handleNonStreaming(c *gin.Context, req *model.ChatRequest) {
	resp, err := h.chatService.Handle(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *ChatHandler) handleStreaming(c *gin.Context, req *model.ChatRequest) {
	frames, connID, err := h.chatService.HandleStreaming(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	sseWriter := utils.NewSSEWriter(c.Writer)
	c.Status(http.StatusOK)

	clientGone := c.Request.Context().Done()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				// 装配器收尾（[DONE] 或错误帧）后通道关闭
				h.chatService.CloseStream(connID)
				return
			}
			if err := sseWriter.WriteFrame(frame); err != nil {
				logger.Warnf("SSE 写失败，关闭连接 %s: %v", connID, err)
				h.chatService.CloseStream(connID)
				return
			}

		case <-clientGone:
			logger.Infof("客户端断开，关闭连接 %s", connID)
			h.chatService.CloseStream(connID)
			return
		}
	}
}

// ListModels /v1/models 静态模型列表
func (h *ChatHandler) ListModels(c *gin.Context) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	now := model.NowUnix()
	ids := []string{"opus", "sonnet", "haiku"}

	entries := make([]modelEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, modelEntry{
			ID:      id,
			Object:  "model",
			Created: now,
			OwnedBy: "anthropic",
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   entries,
	})
}

// Health 健康检查，带在途连接数和会话数
func (h *ChatHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"timestamp":       model.NowUnix(),
		"active_streams":  h.chatService.ActiveStreams(),
		"cached_sessions": h.chatService.SessionCount(),
	})
}

// writeServiceError 错误分类映射到 HTTP 状态码，统一 OpenAI 错误信封
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, invoker.ErrToolUnavailable):
		writeError(c, http.StatusServiceUnavailable, "api_error", err.Error())
	case errors.Is(err, invoker.ErrToolTimeout):
		writeError(c, http.StatusGatewayTimeout, "timeout_error", err.Error())
	case errors.Is(err, service.ErrSessionSetup):
		writeError(c, http.StatusBadGateway, "api_error", err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "api_error", err.Error())
	}
}

func writeError(c *gin.Context, status int, errType, message string) {
	logger.Errorf("请求失败(%d): %s", status, message)
	c.JSON(status, model.ErrorResponse{
		Error: model.ErrorDetail{
			Message: message,
			Type:    errType,
		},
	})
}
