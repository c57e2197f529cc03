// Package legacy is the HTTP client of the bridge that mirrors status
// changes into the legacy archive.
package legacy

import (
	"context"
	"net/http"
	"net/url"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/external/httpclient"
	"github.com/courier-systems/courier-stack/correspondence/internal/models"
)

const service = "legacy"

// Client implements external.LegacyBridgeSync.
type Client struct {
	http *httpclient.Client
}

var _ external.LegacyBridgeSync = (*Client)(nil)

func New(cfg httpclient.Config, logger *logging.Logger) *Client {
	return &Client{http: httpclient.New(service, cfg, logger)}
}

// SyncEvent posts one status change. The bridge ignores events it already
// holds, so redelivery is safe.
func (c *Client) SyncEvent(ctx context.Context, event models.LegacyEvent) error {
	path := "/v1/correspondences/" + url.PathEscape(event.LegacyID) + "/events"
	err := c.http.Do(ctx, "sync_event", http.MethodPost, path, event, nil)
	switch code := httpclient.StatusCode(err); {
	case code == http.StatusConflict:
		return nil
	case httpclient.IsClientError(err):
		return apperr.Rejected(err, "legacy bridge refused %s for %s", event.Status, event.LegacyID)
	}
	return err
}
