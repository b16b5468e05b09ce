package cdp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/galois26/page-weight-monitor/internal/config"
	"github.com/galois26/page-weight-monitor/internal/model"
	"github.com/galois26/page-weight-monitor/internal/session"
	"github.com/galois26/page-weight-monitor/internal/util"
)

// Binaries searched in PATH when no executable is configured.
var defaultExecNames = []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable", "chrome"}

const listeningPrefix = "DevTools listening on "

// Browser is a connected Chromium instance, launched or remote.
type Browser struct {
	conn *Conn
	log  *slog.Logger

	cmd        *exec.Cmd
	profileDir string
	exited     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

var _ session.Browser = (*Browser)(nil)

// New launches a browser, or connects to cfg.RemoteURL when set.
func New(ctx context.Context, cfg config.BrowserConfig, log *slog.Logger) (*Browser, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RemoteURL != "" {
		return Connect(ctx, cfg.RemoteURL, log)
	}
	return Launch(ctx, cfg, log)
}

// Launch starts a local Chromium with a throwaway profile.
func Launch(ctx context.Context, cfg config.BrowserConfig, log *slog.Logger) (*Browser, error) {
	bin, err := findExec(cfg.ExecPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrBrowserUnavailable, err)
	}
	dir, err := os.MkdirTemp("", "page-weight-monitor-")
	if err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	cmd := exec.Command(bin, launchArgs(cfg, dir)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: start %s: %v", session.ErrBrowserUnavailable, bin, err)
	}
	b := &Browser{log: log, cmd: cmd, profileDir: dir, exited: make(chan struct{})}

	timeout := cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	wsURL, err := readWSURL(ctx, stderr, timeout)
	// Keep draining so the browser never blocks on a full stderr pipe.
	go func() {
		_, _ = io.Copy(io.Discard, stderr)
		_ = cmd.Wait()
		close(b.exited)
	}()
	if err != nil {
		b.kill()
		return nil, fmt.Errorf("%w: %v", session.ErrBrowserUnavailable, err)
	}

	b.conn, err = Dial(ctx, wsURL, log)
	if err != nil {
		b.kill()
		return nil, fmt.Errorf("%w: %v", session.ErrBrowserUnavailable, err)
	}
	log.Info("browser launched", "exec", bin, "pid", cmd.Process.Pid, "endpoint", wsURL)
	return b, nil
}

// Connect attaches to a running browser. url is either its websocket
// endpoint or its http debugging address.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Browser, error) {
	if log == nil {
		log = slog.Default()
	}
	wsURL := url
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		var err error
		if wsURL, err = resolveWSURL(ctx, url); err != nil {
			return nil, fmt.Errorf("%w: %v", session.ErrBrowserUnavailable, err)
		}
	}
	conn, err := Dial(ctx, wsURL, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrBrowserUnavailable, err)
	}
	log.Info("connected to browser", "endpoint", wsURL)
	return &Browser{conn: conn, log: log}, nil
}

// NewPage opens an isolated page configured for job.
func (b *Browser) NewPage(ctx context.Context, job model.Job) (session.Page, error) {
	p, err := newPage(ctx, b.conn, job, b.log.With("url", job.URL))
	if err != nil {
		if errors.Is(err, ErrConnClosed) {
			return nil, fmt.Errorf("%w: %v", session.ErrBrowserUnavailable, err)
		}
		return nil, fmt.Errorf("new page: %w", err)
	}
	return p, nil
}

// Close disconnects and, for a launched browser, stops the process and
// removes its profile.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		if b.conn != nil && b.cmd != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			// The connection drops when the browser exits, so the reply may never arrive.
			_ = b.conn.Call(ctx, "", "Browser.close", nil, nil)
			cancel()
		}
		if b.conn != nil {
			if err := b.conn.Close(); err != nil {
				b.log.Debug("close devtools connection", "error", err)
			}
		}
		b.kill()
	})
	return b.closeErr
}

func (b *Browser) kill() {
	if b.cmd == nil {
		return
	}
	select {
	case <-b.exited:
	case <-time.After(5 * time.Second):
		_ = b.cmd.Process.Kill()
		<-b.exited
	}
	if err := os.RemoveAll(b.profileDir); err != nil {
		b.closeErr = fmt.Errorf("remove profile: %w", err)
	}
}

func findExec(path string) (string, error) {
	if path != "" {
		return exec.LookPath(path)
	}
	for _, name := range defaultExecNames {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no chromium executable in PATH (tried %s)", strings.Join(defaultExecNames, ", "))
}

func launchArgs(cfg config.BrowserConfig, profileDir string) []string {
	args := []string{
		"--remote-debugging-port=0",
		"--user-data-dir=" + profileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-component-update",
		"--disable-sync",
		"--mute-audio",
	}
	if cfg.Headless == nil || *cfg.Headless {
		args = append(args, "--headless=new", "--hide-scrollbars")
	}
	if cfg.NoSandbox {
		args = append(args, "--no-sandbox", "--disable-setuid-sandbox")
	}
	args = append(args, cfg.Args...)
	return append(args, "about:blank")
}

// readWSURL scans the browser's stderr for its websocket endpoint.
func readWSURL(ctx context.Context, r io.Reader, timeout time.Duration) (string, error) {
	type result struct {
		url string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sc := bufio.NewScanner(r)
		var tail []string
		for sc.Scan() {
			line := sc.Text()
			if i := strings.Index(line, listeningPrefix); i >= 0 {
				ch <- result{url: strings.TrimSpace(line[i+len(listeningPrefix):])}
				return
			}
			if tail = append(tail, line); len(tail) > 5 {
				tail = tail[1:]
			}
		}
		ch <- result{err: fmt.Errorf("browser exited before listening: %s", strings.Join(tail, " | "))}
	}()
	select {
	case res := <-ch:
		return res.url, res.err
	case <-time.After(timeout):
		return "", fmt.Errorf("no devtools endpoint after %s", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// resolveWSURL reads webSocketDebuggerUrl from /json/version.
func resolveWSURL(ctx context.Context, base string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := util.NewHTTPClient(10 * time.Second).Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET /json/version: http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var v struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := codec.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("decode /json/version: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", errors.New("/json/version has no webSocketDebuggerUrl")
	}
	return v.WebSocketDebuggerURL, nil
}
