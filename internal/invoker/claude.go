package invoker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"claude-gateway/internal/config"
	"claude-gateway/internal/model"
	"claude-gateway/pkg/logger"
)

var (
	// ErrToolUnavailable CLI 进程无法启动，致命且不重试
	ErrToolUnavailable = errors.New("claude cli unavailable")
	// ErrToolTimeout 调用超过硬超时
	ErrToolTimeout = errors.New("claude cli invocation timed out")
)

// Invoker 封装对 claude CLI 的调用，prompt 一律走 stdin（大 prompt 超过参数长度限制）
type Invoker interface {
	// Invoke 阻塞调用，返回修剪后的 stdout
	Invoke(ctx context.Context, prompt, modelName, sessionID string, jsonOutput bool) (string, error)
	// InvokeStreaming 流式调用，返回逐行解析出的事件通道
	InvokeStreaming(ctx context.Context, prompt, modelName, sessionID string) (<-chan model.CLIEvent, <-chan error)
	// Setup 发起会话初始化调用，结构化输出中解析 session id
	Setup(ctx context.Context, systemPrompt, modelName string) (SetupResult, error)
}

// SetupResult 会话初始化的解析结果
// SessionID 为空即解析失败，上层据此走致命路径，不做字段试探
type SetupResult struct {
	SessionID string
	Raw       string
}

func (r SetupResult) Ok() bool {
	return r.SessionID != ""
}

type ClaudeInvoker struct {
	cfg *config.ClaudeConfig
}

func NewClaudeInvoker(cfg *config.ClaudeConfig) *ClaudeInvoker {
	return &ClaudeInvoker{cfg: cfg}
}

// buildArgs 组装 CLI 参数，prompt 不在参数里
func (c *ClaudeInvoker) buildArgs(modelName, sessionID, outputFormat string) []string {
	args := []string{"-p"}

	if modelName == "" {
		modelName = c.cfg.DefaultModel
	}
	args = append(args, "--model", modelName)

	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}

	switch outputFormat {
	case "json":
		args = append(args, "--output-format", "json")
	case "stream-json":
		// stream-json 必须带 --verbose，否则 CLI 拒绝启动
		args = append(args, "--output-format", "stream-json", "--verbose", "--include-partial-messages")
	}

	if c.cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	return args
}

// newCommand 创建进程，独立进程组，取消时整组 SIGKILL
func (c *ClaudeInvoker) newCommand(ctx context.Context, prompt string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.cfg.Command, args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return cmd
}

func (c *ClaudeInvoker) Invoke(ctx context.Context, prompt, modelName, sessionID string, jsonOutput bool) (string, error) {
	format := ""
	if jsonOutput {
		format = "json"
	}
	args := c.buildArgs(modelName, sessionID, format)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
	defer cancel()

	if c.cfg.DebugRequest {
		logger.Debugf("claude invoke: %s %s, prompt %d bytes", c.cfg.Command, strings.Join(args, " "), len(prompt))
	}

	cmd := c.newCommand(ctx, prompt, args)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrToolUnavailable, err)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: after %s", ErrToolTimeout, c.cfg.InvokeTimeout)
		}
		return "", fmt.Errorf("claude cli exited: %v, stderr: %s", err, truncate(stderr.String(), 500))
	}

	return strings.TrimSpace(stdout.String()), nil
}

func (c *ClaudeInvoker) Setup(ctx context.Context, systemPrompt, modelName string) (SetupResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SetupTimeout)
	defer cancel()

	out, err := c.Invoke(ctx, systemPrompt, modelName, "", true)
	if err != nil {
		return SetupResult{}, err
	}

	return ParseSetupOutput(out), nil
}

// ParseSetupOutput 从 --output-format json 的输出中解析 session id
func ParseSetupOutput(out string) SetupResult {
	var result model.CLIResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		return SetupResult{Raw: out}
	}
	return SetupResult{SessionID: result.SessionID, Raw: out}
}

func (c *ClaudeInvoker) InvokeStreaming(ctx context.Context, prompt, modelName, sessionID string) (<-chan model.CLIEvent, <-chan error) {
	eventChan := make(chan model.CLIEvent, 64)
	errChan := make(chan error, 1)

	args := c.buildArgs(modelName, sessionID, "stream-json")

	go func() {
		defer close(eventChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
		defer cancel()

		cmd := c.newCommand(ctx, prompt, args)

		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			errChan <- fmt.Errorf("%w: %v", ErrToolUnavailable, err)
			return
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Start(); err != nil {
			errChan <- fmt.Errorf("%w: %v", ErrToolUnavailable, err)
			return
		}

		// Wait 只能调用一次，但每条退出路径都必须收尸，
		// 否则被 SIGKILL 的子进程会一直挂成僵尸
		var waitOnce sync.Once
		var waitErr error
		wait := func() error {
			waitOnce.Do(func() { waitErr = cmd.Wait() })
			return waitErr
		}
		defer wait()

		scanner := bufio.NewScanner(stdoutPipe)
		// 单个事件可能携带整段回答，默认 64KB 不够
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var event model.CLIEvent
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				logger.Debugf("skip unparseable stream line: %s", truncate(line, 200))
				continue
			}

			select {
			case eventChan <- event:
			case <-ctx.Done():
				return
			}
		}

		if scanErr := scanner.Err(); scanErr != nil {
			// 进程可能还在往塞满的管道里写，先杀掉再收尸，避免 Wait 卡死
			cancel()
			wait()
			errChan <- fmt.Errorf("read claude stream: %w", scanErr)
			return
		}

		if err := wait(); err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				errChan <- fmt.Errorf("%w: after %s", ErrToolTimeout, c.cfg.InvokeTimeout)
				return
			}
			errChan <- fmt.Errorf("claude cli exited: %v, stderr: %s", err, truncate(stderr.String(), 500))
		}
	}()

	return eventChan, errChan
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
