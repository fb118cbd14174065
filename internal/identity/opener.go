package identity

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
)

// Opener hands the provider sign-in URL to whatever shows it to the user.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// OpenerFunc adapts a function to Opener. Mobile and web hosts use it to route
// the URL into their own navigation.
type OpenerFunc func(ctx context.Context, url string) error

func (f OpenerFunc) Open(ctx context.Context, url string) error {
	return f(ctx, url)
}

// SystemBrowser opens URLs in the desktop's default browser. Completion comes
// back through the registered deep-link scheme.
type SystemBrowser struct {
	goos    string
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewSystemBrowser returns an opener for the running OS.
func NewSystemBrowser() *SystemBrowser {
	return &SystemBrowser{goos: runtime.GOOS, command: exec.CommandContext}
}

func (b *SystemBrowser) Open(ctx context.Context, url string) error {
	if url == "" {
		return errors.New("empty sign-in URL")
	}
	name, args, err := browserCommand(b.goos, url)
	if err != nil {
		return err
	}
	cmd := b.command(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func browserCommand(goos, url string) (string, []string, error) {
	switch goos {
	case "darwin":
		return "open", []string{url}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}, nil
	case "linux", "freebsd", "openbsd", "netbsd":
		return "xdg-open", []string{url}, nil
	default:
		return "", nil, fmt.Errorf("no browser launcher for %s", goos)
	}
}
