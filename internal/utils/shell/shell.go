// Package shell runs host commands through the preferred system shell.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/open-edge-platform/os-package-manager/internal/utils/logger"
)

// GetOSProxyEnvirons returns the http(s)_proxy variables of the current
// process, in KEY=value form.
func GetOSProxyEnvirons() []string {
	var proxyEnv []string
	for _, env := range os.Environ() {
		key, _, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		lower := strings.ToLower(key)
		if strings.Contains(lower, "http_proxy") || strings.Contains(lower, "https_proxy") || lower == "no_proxy" {
			proxyEnv = append(proxyEnv, env)
		}
	}
	return proxyEnv
}

// getShell returns the preferred shell, falling back to /bin/sh if bash is not available
func getShell() string {
	shells := []string{"/bin/bash", "/usr/bin/bash", "/bin/sh"}
	for _, shell := range shells {
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
	}
	return "/bin/sh"
}

func newCmd(ctx context.Context, cmdStr, dir string, envVal []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, getShell(), "-c", cmdStr)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	cmd.Env = append(append([]string{"PATH=" + os.Getenv("PATH"), "HOME=" + os.Getenv("HOME")}, GetOSProxyEnvirons()...), envVal...)
	return cmd
}

// ExecCmdWithStream runs cmdStr in dir with envVal added to a minimal
// environment, logging each output line as it is produced. Only stdout is
// returned.
func ExecCmdWithStream(ctx context.Context, cmdStr, dir string, envVal []string) (string, error) {
	log := logger.Logger()
	log.Debugf("Exec: [%s] in %s", cmdStr, dir)

	var out strings.Builder
	stdout := &lineLogger{sink: &out}
	stderr := &lineLogger{}

	cmd := newCmd(ctx, cmdStr, dir, envVal)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		return out.String(), fmt.Errorf("failed to exec %s: %w", cmdStr, err)
	}
	return out.String(), nil
}

// lineLogger logs every complete non-empty line written to it and copies
// those lines to sink when set.
type lineLogger struct {
	mu   sync.Mutex
	buf  []byte
	sink *strings.Builder
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(string(l.buf[:i]))
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line without a newline.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.emit(string(l.buf))
		l.buf = nil
	}
}

func (l *lineLogger) emit(line string) {
	if line == "" {
		return
	}
	if l.sink != nil {
		l.sink.WriteString(line)
		l.sink.WriteByte('\n')
	}
	logger.Logger().Infof("%s", line)
}
