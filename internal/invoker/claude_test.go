package invoker

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"claude-gateway/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClaudeConfig() *config.ClaudeConfig {
	return &config.ClaudeConfig{
		Command:       "claude",
		DefaultModel:  "sonnet",
		InvokeTimeout: time.Minute,
		SetupTimeout:  time.Minute,
	}
}

func TestBuildArgs(t *testing.T) {
	inv := NewClaudeInvoker(testClaudeConfig())

	tests := []struct {
		name         string
		model        string
		sessionID    string
		outputFormat string
		want         []string
	}{
		{
			name:  "默认模型纯文本输出",
			model: "",
			want:  []string{"-p", "--model", "sonnet"},
		},
		{
			name:         "指定模型和 json 输出",
			model:        "opus",
			outputFormat: "json",
			want:         []string{"-p", "--model", "opus", "--output-format", "json"},
		},
		{
			name:      "复用会话",
			model:     "sonnet",
			sessionID: "sid-123",
			want:      []string{"-p", "--model", "sonnet", "--resume", "sid-123"},
		},
		{
			name:         "stream-json 带 verbose 和增量输出",
			model:        "sonnet",
			outputFormat: "stream-json",
			want:         []string{"-p", "--model", "sonnet", "--output-format", "stream-json", "--verbose", "--include-partial-messages"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inv.buildArgs(tt.model, tt.sessionID, tt.outputFormat))
		})
	}
}

func TestBuildArgsSkipPermissions(t *testing.T) {
	cfg := testClaudeConfig()
	cfg.SkipPermissions = true
	inv := NewClaudeInvoker(cfg)

	args := inv.buildArgs("sonnet", "", "")
	assert.Contains(t, args, "--dangerously-skip-permissions")
}

func TestParseSetupOutput(t *testing.T) {
	tests := []struct {
		name      string
		out       string
		sessionID string
		ok        bool
	}{
		{
			name:      "正常结构化输出",
			out:       `{"type":"result","subtype":"success","is_error":false,"result":"ready","session_id":"sid-42"}`,
			sessionID: "sid-42",
			ok:        true,
		},
		{
			name: "缺 session_id",
			out:  `{"type":"result","subtype":"success","result":"ready"}`,
			ok:   false,
		},
		{
			name: "非 JSON 输出",
			out:  "claude: command crashed",
			ok:   false,
		},
		{
			name: "空输出",
			out:  "",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseSetupOutput(tt.out)
			assert.Equal(t, tt.ok, result.Ok())
			assert.Equal(t, tt.sessionID, result.SessionID)
			// 原始输出总是保留，供致命路径打日志
			assert.Equal(t, tt.out, result.Raw)
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcde...", truncate("abcdefghij", 5))
	assert.Equal(t, "你好...", truncate("你好世界啊", 2))
}

// writeFakeCLI 把一段脚本写成可执行文件，顶替真实的 claude 命令
func writeFakeCLI(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// zombieChildren 扫描 /proc，返回本进程名下处于僵尸态的子进程
func zombieChildren(t *testing.T) []int {
	t.Helper()
	entries, err := filepath.Glob("/proc/[0-9]*/stat")
	require.NoError(t, err)

	var pids []int
	for _, entry := range entries {
		data, err := os.ReadFile(entry)
		if err != nil {
			continue
		}
		// stat 格式: pid (comm) state ppid ...，comm 可能含空格，从右括号后切
		raw := string(data)
		idx := strings.LastIndex(raw, ")")
		if idx < 0 {
			continue
		}
		fields := strings.Fields(raw[idx+1:])
		if len(fields) < 2 || fields[0] != "Z" {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil || ppid != os.Getpid() {
			continue
		}
		if pid, err := strconv.Atoi(strings.Fields(raw)[0]); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

// 客户端断开后事件没人消费、内部缓冲塞满，取消也必须把子进程收尸
func TestInvokeStreamingCancelReapsProcess(t *testing.T) {
	script := `#!/bin/sh
i=0
while [ "$i" -lt 500 ]; do
  echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"块"}]}}'
  i=$((i+1))
done
sleep 30
`
	cfg := testClaudeConfig()
	cfg.Command = writeFakeCLI(t, script)
	inv := NewClaudeInvoker(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	events, _ := inv.InvokeStreaming(ctx, "hi", "sonnet", "")

	// 不消费任何事件，等内部缓冲塞满、发送阻塞后再取消
	time.Sleep(300 * time.Millisecond)
	cancel()

	require.Eventually(t, func() bool {
		return len(zombieChildren(t)) == 0
	}, 3*time.Second, 50*time.Millisecond, "取消后子进程应当被收尸")

	// 通道最终关闭，调用方不会悬挂
	drained := make(chan struct{})
	go func() {
		for range events {
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("事件通道未关闭")
	}
}

// 单行超过扫描缓冲上限时要上报错误，而不是当成正常收尾
func TestInvokeStreamingOversizedLineSurfacesError(t *testing.T) {
	script := `#!/bin/sh
head -c 5000000 /dev/zero | tr '\0' 'a'
echo ""
`
	cfg := testClaudeConfig()
	cfg.Command = writeFakeCLI(t, script)
	inv := NewClaudeInvoker(cfg)

	events, errs := inv.InvokeStreaming(context.Background(), "hi", "sonnet", "")

	for range events {
	}

	select {
	case err := <-errs:
		require.ErrorIs(t, err, bufio.ErrTooLong)
	case <-time.After(5 * time.Second):
		t.Fatal("超长行应当上报读取错误")
	}

	assert.Empty(t, zombieChildren(t))
}
