// Package session negotiates relay sessions for paired hosts.
//
// A relay session is obtained in three steps: create a session for the host
// on the primary API, ask for a one-time auth code scoped to it, then redeem
// the code at the relay, which answers with a relay_token cookie. Later
// relayed requests carry that cookie from the shared jar.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/vibekanban/vkrelay/internal/logging"
	"github.com/vibekanban/vkrelay/internal/protocol"
)

// Doer sends requests to the primary API with credentials attached.
// *auth.Manager satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Creator produces a relay base URL for a host.
type Creator interface {
	CreateBaseURL(ctx context.Context, hostID string) (string, error)
}

// NewHTTPClient returns a client with a public-suffix aware cookie jar that
// does not follow redirects. The relay answers the code exchange with a
// redirect whose only useful payload is the cookie.
func NewHTTPClient() *http.Client {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Establisher implements Creator against the primary API and the relay.
type Establisher struct {
	baseURL      string
	api          Doer
	relay        *http.Client
	exchangePath string
	logger       *slog.Logger
}

// EstablisherOptions configures an Establisher.
type EstablisherOptions struct {
	// BaseURL is the primary API origin.
	BaseURL string
	// API sends the session and auth-code requests.
	API Doer
	// RelayClient redeems the code. Its jar must be shared with the relay
	// transport. Defaults to NewHTTPClient().
	RelayClient *http.Client
	// ExchangePath is appended to the relay URL for the code exchange.
	ExchangePath string
	Logger       *slog.Logger
}

// NewEstablisher creates an Establisher.
func NewEstablisher(opts EstablisherOptions) *Establisher {
	e := &Establisher{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		api:          opts.API,
		relay:        opts.RelayClient,
		exchangePath: opts.ExchangePath,
		logger:       logging.For(opts.Logger, "session"),
	}
	if e.relay == nil {
		e.relay = NewHTTPClient()
	}
	return e
}

// CreateBaseURL negotiates a new relay session for hostID and returns the
// relay origin, without a trailing slash.
func (e *Establisher) CreateBaseURL(ctx context.Context, hostID string) (string, error) {
	var created protocol.CreateRelaySessionResponse
	path := fmt.Sprintf(protocol.PathCreateRelaySession, url.PathEscape(hostID))
	if err := e.post(ctx, "create relay session", path, &created); err != nil {
		return "", err
	}
	if created.Session.ID == "" {
		return "", errors.New("create relay session: response has no session id")
	}

	var code protocol.RelaySessionAuthCodeResponse
	path = fmt.Sprintf(protocol.PathRelaySessionCode, url.PathEscape(created.Session.ID))
	if err := e.post(ctx, "create relay auth code", path, &code); err != nil {
		return "", err
	}
	if code.RelayURL == "" || code.Code == "" {
		return "", errors.New("create relay auth code: response is missing relay_url or code")
	}

	if err := e.exchange(ctx, code.RelayURL, code.Code); err != nil {
		return "", err
	}

	base := strings.TrimRight(code.RelayURL, "/")
	e.logger.Debug("relay session established",
		logging.KeyHostID, hostID,
		logging.KeyURL, base)
	return base, nil
}

func (e *Establisher) post(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.api.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return protocol.NewHTTPError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// exchange redeems the one-time code; the relay sets its cookie in the jar.
func (e *Establisher) exchange(ctx context.Context, relayURL, code string) error {
	u, err := url.Parse(relayURL)
	if err != nil {
		return fmt.Errorf("relay code exchange: invalid relay url: %w", err)
	}
	if e.exchangePath != "" {
		u.Path = strings.TrimRight(u.Path, "/") + e.exchangePath
	}
	q := u.Query()
	q.Set("code", code)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("relay code exchange: %w", err)
	}
	resp, err := e.relay.Do(req)
	if err != nil {
		return fmt.Errorf("relay code exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return protocol.NewHTTPError("relay code exchange", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
