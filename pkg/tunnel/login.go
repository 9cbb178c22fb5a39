package tunnel

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/creack/pty"
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// LoginResult is the outcome of one interactive `cloudflared tunnel
// login` run.
type LoginResult struct {
	LoginURL     string
	ExitCode     int
	CertDetected bool
	TimedOut     bool
}

// RunLogin drives `cloudflared tunnel login` under a PTY, scraping the
// first URL from its combined output and invoking onURL exactly once as
// soon as it is found, then polls certPath until it appears with nonzero
// size or timeout elapses.
func RunLogin(ctx context.Context, certPath string, timeout time.Duration, onURL func(string)) (LoginResult, error) {
	cmd := exec.Command("cloudflared", "tunnel", "login")
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return LoginResult{}, err
	}
	defer ptmx.Close()

	var mu sync.Mutex
	var loginURL string
	urlSent := false

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 4096)
		for {
			n, readErr := ptmx.Read(buf)
			if n > 0 {
				mu.Lock()
				if loginURL == "" {
					if match := urlPattern.Find(bytes.TrimSpace(buf[:n])); match != nil {
						loginURL = string(match)
					}
				}
				mu.Unlock()
			}
			if readErr != nil {
				return
			}
		}
	}()

	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Now().Add(365 * 24 * time.Hour)
	}

	result := LoginResult{}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

poll:
	for {
		select {
		case <-ctx.Done():
			break poll
		case <-ticker.C:
			mu.Lock()
			url := loginURL
			mu.Unlock()
			if url != "" && !urlSent {
				urlSent = true
				if onURL != nil {
					onURL(url)
				}
			}
			if info, statErr := os.Stat(certPath); statErr == nil && info.Size() > 0 {
				result.CertDetected = true
				break poll
			}
			if time.Now().After(deadline) {
				result.TimedOut = true
				break poll
			}
		}
	}

	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
	<-readDone

	mu.Lock()
	result.LoginURL = loginURL
	mu.Unlock()
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	return result, nil
}
