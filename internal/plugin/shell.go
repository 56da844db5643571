package plugin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// shellSentinelPrefix delimits one shell.run's output from the next in the
// session's continuous stdout/stderr streams (§4.5 Shell sessions).
const shellSentinelPrefix = "__serialmux_shell_done_"

// shellSession is a long-lived subprocess session (§3 Shell): an id, a
// working directory, and piped stdio, owned by the plugin that created it
// and destroyed on plugin unload.
type shellSession struct {
	id      int
	workDir string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  *os_WriteCloser
	stdout *bufio.Reader
	stderr *bufio.Reader
}

// os_WriteCloser exists only so shell.go doesn't need an io import purely
// for a type alias; exec.Cmd's StdinPipe already returns io.WriteCloser.
type os_WriteCloser = interface {
	Write(p []byte) (int, error)
	Close() error
}

func shellProgram() (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd.exe", nil
	}
	sh := os.Getenv("SHELL")
	if sh == "" {
		sh = "/bin/sh"
	}
	return sh, nil
}

// newShellSession spawns the platform subprocess with piped stdio (§4.5).
func newShellSession(id int) (*shellSession, error) {
	prog, args := shellProgram()
	cmd := exec.Command(prog, args...)
	wd, _ := os.Getwd()
	cmd.Dir = wd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("shell stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("shell stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("shell stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &shellSession{
		id:      id,
		workDir: wd,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		stderr:  bufio.NewReader(stderr),
	}, nil
}

// run writes cmd to the session's stdin with a sentinel to delimit output,
// then reads stdout and stderr until the sentinel is seen on both or ctx
// ends: StatusTimeout when its deadline elapses, StatusCancelled when it
// is cancelled (§4.5, §5 Cancellation & timeouts).
func (s *shellSession) run(ctx context.Context, cmdLine string) (stdout, stderr string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sentinel := fmt.Sprintf("%s%d", shellSentinelPrefix, time.Now().UnixNano())
	script := fmt.Sprintf("%s\necho %s\necho %s 1>&2\n", cmdLine, sentinel, sentinel)
	if _, err := s.stdin.Write([]byte(script)); err != nil {
		return "", "", StatusIOError
	}

	outCh := make(chan string, 1)
	errCh := make(chan string, 1)
	go func() { outCh <- readUntilSentinel(s.stdout, sentinel) }()
	go func() { errCh <- readUntilSentinel(s.stderr, sentinel) }()

	var out, errOut string
	gotOut, gotErr := false, false
	for !gotOut || !gotErr {
		select {
		case out = <-outCh:
			gotOut = true
		case errOut = <-errCh:
			gotErr = true
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return out, errOut, StatusCancelled
			}
			return out, errOut, StatusTimeout
		}
	}
	return out, errOut, StatusOK
}

func readUntilSentinel(r *bufio.Reader, sentinel string) string {
	var collected []byte
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			trimmed := trimNewline(line)
			if trimmed == sentinel {
				return string(collected)
			}
			collected = append(collected, line...)
		}
		if err != nil {
			return string(collected)
		}
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// close terminates the subprocess, called on plugin unload.
func (s *shellSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_, _ = s.cmd.Process.Wait()
	}
}

// existGroup collapses concurrent shell:exist probes for the same program
// name (§ SPEC_FULL DOMAIN STACK: golang.org/x/sync/singleflight), since
// several Tasks independently probing for e.g. "python3" on load is common
// and each probe spawns a subprocess.
var existGroup singleflight.Group

// probeExist implements shell:exist(prog): `where` on Windows, `command -v`
// elsewhere (§4.5).
func probeExist(ctx context.Context, prog string) (bool, error) {
	v, err, _ := existGroup.Do(prog, func() (any, error) {
		var cmd *exec.Cmd
		if runtime.GOOS == "windows" {
			cmd = exec.CommandContext(ctx, "where", prog)
		} else {
			cmd = exec.CommandContext(ctx, "command", "-v", prog)
			// "command" is a shell builtin on most systems, not a binary;
			// invoke it through the user's shell to resolve it correctly.
			sh, _ := shellProgram()
			cmd = exec.CommandContext(ctx, sh, "-c", "command -v "+prog)
		}
		return cmd.Run() == nil, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}
