package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/itskum47/SettingsForge/control_plane/store"
)

// Transport delivers one webhook body to one endpoint.
type Transport interface {
	Send(ctx context.Context, client *store.WebHookClient, hookType store.WebHookType, body []byte) error
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook endpoint returned %d", e.StatusCode)
}

// HTTPTransport posts JSON to {BaseURI}/{WebHookType}.
type HTTPTransport struct {
	client *http.Client
	now    func() time.Time
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{client: &http.Client{Timeout: timeout}, now: time.Now}
}

func (t *HTTPTransport) Send(ctx context.Context, client *store.WebHookClient, hookType store.WebHookType, body []byte) error {
	url := strings.TrimRight(client.BaseURI, "/") + "/" + string(hookType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	ts := t.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSecret, client.HashedSecret)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, Sign(client.HashedSecret, ts, body))
	req.Header.Set(HeaderEvent, string(hookType))

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
