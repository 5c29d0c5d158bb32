// Package callback delivers progress snapshots to a sibling service's
// report endpoint. Delivery is best-effort: failures are logged and
// never propagate back to the updater.
package callback

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ecairns22/otad/internal/progress"
)

// Client posts progress.Snapshot values to a configured URL.
type Client struct {
	url        string
	httpClient *http.Client
	log        *logrus.Entry
}

// New creates a Client. An empty url makes Publish a no-op, which lets
// the callback sink be wired unconditionally even when the operator
// has not configured a sibling service.
func New(url string, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        log.WithField("component", "callback"),
	}
}

// Publish implements progress.Sink. It returns immediately; delivery
// happens on its own goroutine so a slow or unreachable sibling never
// stalls the publisher. Errors are logged only.
func (c *Client) Publish(snap progress.Snapshot) {
	if c.url == "" {
		return
	}
	go c.deliver(snap)
}

func (c *Client) deliver(snap progress.Snapshot) {
	body, err := json.Marshal(snap)
	if err != nil {
		c.log.WithError(err).Warn("marshaling progress snapshot for callback")
		return
	}

	resp, err := c.httpClient.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		c.log.WithError(err).Warn("delivering progress callback")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.log.WithField("status", resp.StatusCode).Warn("progress callback rejected")
	}
}

var _ progress.Sink = (*Client)(nil)
