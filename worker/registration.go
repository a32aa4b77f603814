package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

// ErrOffline is returned by Offline for every request.
var ErrOffline = errors.New("worker: network unreachable")

// Offline is a transport with no network. Every round trip fails with ErrOffline.
var Offline http.RoundTripper = offlineTransport{}

type offlineTransport struct{}

func (offlineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
	return nil, ErrOffline
}

// Registration tracks the active controller and the pages it controls.
type Registration struct {
	network http.RoundTripper
	logger  *slog.Logger

	mu     sync.Mutex
	active *Controller
	pages  map[uuid.UUID]*Page
}

// NewRegistration returns an empty registration. Uncontrolled pages reach the
// network through network, or http.DefaultTransport when nil.
func NewRegistration(network http.RoundTripper, logger *slog.Logger) *Registration {
	if network == nil {
		network = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registration{
		network: network,
		logger:  logger.With("component", "registration"),
		pages:   make(map[uuid.UUID]*Page),
	}
}

// Register installs c and, without waiting for pages of the previous
// controller to close, activates it. The previous controller becomes redundant
// and every open page is claimed by c.
func (r *Registration) Register(ctx context.Context, c *Controller) error {
	if err := c.Install(ctx); err != nil {
		return fmt.Errorf("installing %s: %w", c.Version(), err)
	}
	if err := c.Activate(ctx); err != nil {
		c.markRedundant()
		return fmt.Errorf("activating %s: %w", c.Version(), err)
	}

	r.mu.Lock()
	prev := r.active
	r.active = c
	for _, p := range r.pages {
		p.controller = c
	}
	claimed := len(r.pages)
	r.mu.Unlock()

	if prev != nil && prev != c {
		prev.markRedundant()
	}
	r.logger.Info("controller activated", "version", c.Version(), "id", c.ID().String(), "claimed", claimed)
	return nil
}

// Active returns the active controller, or nil.
func (r *Registration) Active() *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// OpenPage opens a page at rawURL. It is controlled by the active controller, if any.
func (r *Registration) OpenPage(rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing page url: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("page url %q must be absolute", rawURL)
	}

	p := &Page{id: uuid.New(), reg: r, location: u}
	p.client = &http.Client{Transport: pageTransport{page: p}}

	r.mu.Lock()
	p.controller = r.active
	r.pages[p.id] = p
	r.mu.Unlock()
	return p, nil
}

// Pages returns the number of open pages.
func (r *Registration) Pages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages)
}

// Page is a document whose requests may be intercepted by a controller.
type Page struct {
	id     uuid.UUID
	reg    *Registration
	client *http.Client

	// guarded by reg.mu
	controller *Controller
	location   *url.URL
}

// ID identifies the page.
func (p *Page) ID() uuid.UUID {
	return p.id
}

// Controller returns the controller of the page, or nil when uncontrolled.
func (p *Page) Controller() *Controller {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()
	return p.controller
}

// Location returns the URL of the document loaded in the page.
func (p *Page) Location() *url.URL {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()
	u := *p.location
	return &u
}

// Client returns an HTTP client whose requests go through the page's controller.
func (p *Page) Client() *http.Client {
	return p.client
}

// Navigate loads ref, resolved against the page location, as the page's document.
func (p *Page) Navigate(ctx context.Context, ref string) (*http.Response, error) {
	req, err := p.newRequest(ctx, ref)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Accept", "text/html")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	p.reg.mu.Lock()
	p.location = req.URL
	p.reg.mu.Unlock()
	return resp, nil
}

// Get fetches ref, resolved against the page location, as a subresource.
func (p *Page) Get(ctx context.Context, ref string) (*http.Response, error) {
	req, err := p.newRequest(ctx, ref)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	return p.client.Do(req)
}

// ReadAll fetches ref as a subresource and returns its status and body.
func (p *Page) ReadAll(ctx context.Context, ref string) (int, []byte, error) {
	resp, err := p.Get(ctx, ref)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

// Close closes the page.
func (p *Page) Close() {
	p.reg.mu.Lock()
	delete(p.reg.pages, p.id)
	p.controller = nil
	p.reg.mu.Unlock()
}

func (p *Page) newRequest(ctx context.Context, ref string) (*http.Request, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", ref, err)
	}
	target := p.Location().ResolveReference(u)
	target.Fragment = ""
	return http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
}

// pageTransport routes a page's requests to its controller while the
// controller is active, and straight to the network otherwise.
type pageTransport struct {
	page *Page
}

func (t pageTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if c := t.page.Controller(); c != nil && c.State() == Activated {
		return c.RoundTrip(req)
	}
	return t.page.reg.network.RoundTrip(req)
}
