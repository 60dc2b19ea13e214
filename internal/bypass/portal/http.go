package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// maxResponseBody bounds what is read from the control plane.  Config
// backups are the largest responses.
const maxResponseBody = 64 << 20

// HTTPController talks JSON to the control plane's management API.
type HTTPController struct {
	base   *url.URL
	token  string
	client *http.Client
}

type HTTPOptions struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Client  *http.Client // optional; overrides Timeout
}

func NewHTTPController(opts HTTPOptions) (*HTTPController, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("portal base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("portal base url %q: scheme must be http or https", opts.BaseURL)
	}

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPController{base: base, token: opts.Token, client: client}, nil
}

type entryJSON struct {
	MAC         string `json:"mac"`
	Description string `json:"description"`
}

type entriesResponse struct {
	Entries []entryJSON `json:"entries"`
}

func (c *HTTPController) ListEntries(ctx context.Context, zone string) ([]types.ManagedEntry, error) {
	var resp entriesResponse
	if err := c.do(ctx, "list_entries", http.MethodGet, c.zonePath(zone, "entries"), nil, &resp); err != nil {
		return nil, err
	}
	out := make([]types.ManagedEntry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		mac, err := types.NormalizeMAC(e.MAC)
		if err != nil {
			// Keep it so the caller can report it as foreign.
			mac = strings.ToLower(strings.TrimSpace(e.MAC))
		}
		out = append(out, types.ManagedEntry{Zone: zone, MAC: mac, Description: e.Description})
	}
	return out, nil
}

func (c *HTTPController) AddEntry(ctx context.Context, zone, mac, description string) error {
	body := entryJSON{MAC: mac, Description: description}
	return c.do(ctx, "add_entry", http.MethodPost, c.zonePath(zone, "entries"), body, nil)
}

func (c *HTTPController) RemoveEntry(ctx context.Context, zone, mac string) error {
	return c.do(ctx, "remove_entry", http.MethodDelete, c.zonePath(zone, "entries", mac), nil, nil)
}

func (c *HTTPController) Disconnect(ctx context.Context, zone, mac string) error {
	return unsupportedOn(c.do(ctx, "disconnect", http.MethodPost, c.zonePath(zone, "sessions", mac, "disconnect"), nil, nil))
}

func (c *HTTPController) Flush(ctx context.Context, zone, mac string) error {
	return unsupportedOn(c.do(ctx, "flush", http.MethodPost, c.zonePath(zone, "sessions", mac, "flush"), nil, nil))
}

func (c *HTTPController) Reload(ctx context.Context, zone string) error {
	return c.do(ctx, "reload", http.MethodPost, c.zonePath(zone, "reload"), nil, nil)
}

func (c *HTTPController) BackupSnapshot(ctx context.Context) ([]byte, error) {
	var raw []byte
	if err := c.do(ctx, "backup", http.MethodGet, "/api/v1/config/backup", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *HTTPController) Ping(ctx context.Context) error {
	return c.do(ctx, "status", http.MethodGet, "/api/v1/status", nil, nil)
}

// unsupportedOn maps "no such endpoint" answers to ErrUnsupported.
func unsupportedOn(err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		if se.Code == http.StatusNotFound || se.Code == http.StatusNotImplemented {
			return fmt.Errorf("%w: %s", ErrUnsupported, se.Error())
		}
	}
	return err
}

func (c *HTTPController) zonePath(zone string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/api/v1/zones/")
	b.WriteString(url.PathEscape(zone))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// do performs one request.  out may be nil, a *[]byte for raw bodies, or a
// pointer to a JSON-decodable value.
func (c *HTTPController) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("portal %s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("portal %s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("portal %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("portal %s: read body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(truncate(data, 256)))}
	}

	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*v = data
		return nil
	default:
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("portal %s: decode: %w", op, err)
		}
		return nil
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
