package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	kit "pushclient/internal/transport"
	logx "pushclient/pkg/logx"
)

var errUnknownToast = errors.New("unknown toast")

// consoleRenderer "shows" notifications as log lines. A toast stays open
// until someone clicks or closes it through the status server.
type consoleRenderer struct {
	log logx.Logger

	mu   sync.Mutex
	open map[string]consoleToast
}

type consoleToast struct {
	Toast   kit.Toast `json:"toast"`
	ShownAt time.Time `json:"shown_at"`

	cb kit.ToastCallbacks
}

var _ kit.Renderer = (*consoleRenderer)(nil)

func newConsoleRenderer(log logx.Logger) *consoleRenderer {
	return &consoleRenderer{
		log:  log.With(logx.String("comp", "console.toast")),
		open: make(map[string]consoleToast),
	}
}

func (r *consoleRenderer) Supported() bool { return true }

func (r *consoleRenderer) Show(ctx context.Context, t kit.Toast, cb kit.ToastCallbacks) error {
	r.log.Info("notification",
		logx.String("id", t.ID),
		logx.String("title", t.Title),
		logx.String("body", t.Body),
		logx.String("url", t.URL),
		logx.Int("priority", t.Priority),
	)
	r.mu.Lock()
	r.open[t.ID] = consoleToast{Toast: t, ShownAt: time.Now(), cb: cb}
	r.mu.Unlock()
	if cb.OnShown != nil {
		cb.OnShown()
	}
	return nil
}

func (r *consoleRenderer) Close(id string) error {
	r.mu.Lock()
	delete(r.open, id)
	r.mu.Unlock()
	return nil
}

// List returns the open toasts, oldest first.
func (r *consoleRenderer) List() any {
	r.mu.Lock()
	out := make([]consoleToast, 0, len(r.open))
	for _, t := range r.open {
		out = append(out, t)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ShownAt.Before(out[j].ShownAt) })
	return out
}

// Click reports a user click. The dispatcher closes the toast in response.
func (r *consoleRenderer) Click(id string) error {
	r.mu.Lock()
	t, ok := r.open[id]
	r.mu.Unlock()
	if !ok {
		return errUnknownToast
	}
	if t.cb.OnClick != nil {
		t.cb.OnClick()
	}
	return nil
}

// Dismiss reports the user closing the toast.
func (r *consoleRenderer) Dismiss(id string) error {
	r.mu.Lock()
	t, ok := r.open[id]
	delete(r.open, id)
	r.mu.Unlock()
	if !ok {
		return errUnknownToast
	}
	if t.cb.OnClose != nil {
		t.cb.OnClose()
	}
	return nil
}

func consoleOpener(log logx.Logger) kit.URLOpener {
	log = log.With(logx.String("comp", "console.open"))
	return kit.URLOpenerFunc(func(ctx context.Context, url string) error {
		log.Info("open url", logx.String("url", url))
		return nil
	})
}

// staticIdentity hands out the configured identity. Empty means the user
// must log in, which the token manager reports as LoginRequired.
func staticIdentity(current func() string) kit.IdentityProvider {
	return kit.IdentityFunc(func(ctx context.Context) (string, error) {
		return strings.TrimSpace(current()), nil
	})
}
