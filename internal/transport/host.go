package transport

import "context"

// Host application hooks consumed by the engine. The host supplies them; the
// engine never implements window or toast rendering itself.

// LanguageProvider reports the active UI language (e.g. "en", "zh-CN").
type LanguageProvider interface {
	Language() string
}

// IdentityProvider resolves the identity used to fetch a token.
// An error here means the user has to log in again.
type IdentityProvider interface {
	Identity(ctx context.Context) (string, error)
}

// Toast is what the renderer is asked to display.
type Toast struct {
	ID       string
	Title    string
	Body     string
	URL      string
	Priority int
}

// ToastCallbacks are invoked by the renderer as the user interacts with a toast.
// Callbacks may be invoked from any goroutine.
type ToastCallbacks struct {
	OnShown func()
	OnClick func()
	OnClose func()
}

// Renderer renders platform notifications.
type Renderer interface {
	// Supported reports whether the host can show notifications at all.
	Supported() bool
	Show(ctx context.Context, t Toast, cb ToastCallbacks) error
	Close(id string) error
}

// URLOpener opens a URL inside the host UI.
type URLOpener interface {
	Open(ctx context.Context, url string) error
}

// EndpointResolver resolves the push server endpoint for a connection cycle.
type EndpointResolver interface {
	Endpoint(ctx context.Context) (string, error)
}

// Fetcher is the token-fetch collaborator.
type Fetcher interface {
	Fetch(ctx context.Context, identity string) (Credential, error)
}

// Func adapters.

type LanguageFunc func() string

func (f LanguageFunc) Language() string { return f() }

type IdentityFunc func(ctx context.Context) (string, error)

func (f IdentityFunc) Identity(ctx context.Context) (string, error) { return f(ctx) }

type URLOpenerFunc func(ctx context.Context, url string) error

func (f URLOpenerFunc) Open(ctx context.Context, url string) error { return f(ctx, url) }

type EndpointFunc func(ctx context.Context) (string, error)

func (f EndpointFunc) Endpoint(ctx context.Context) (string, error) { return f(ctx) }

type FetcherFunc func(ctx context.Context, identity string) (Credential, error)

func (f FetcherFunc) Fetch(ctx context.Context, identity string) (Credential, error) {
	return f(ctx, identity)
}
