// Package notifications is the HTTP client of the notification ordering
// service.
package notifications

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/courier-systems/courier-stack/common/logging"
	"github.com/courier-systems/courier-stack/correspondence/internal/apperr"
	"github.com/courier-systems/courier-stack/correspondence/internal/external"
	"github.com/courier-systems/courier-stack/correspondence/internal/external/httpclient"
)

const service = "notifications"

// Client implements external.NotificationOrderingService.
type Client struct {
	http *httpclient.Client
}

var _ external.NotificationOrderingService = (*Client)(nil)

func New(cfg httpclient.Config, logger *logging.Logger) *Client {
	return &Client{http: httpclient.New(service, cfg, logger)}
}

type createOrderResponse struct {
	OrderID string `json:"order_id"`
}

// CreateOrder places an order. The notification ID doubles as the
// idempotency key, so a repeated call returns the existing order.
func (c *Client) CreateOrder(ctx context.Context, req external.OrderRequest) (string, error) {
	var resp createOrderResponse
	err := c.http.Do(ctx, "create_order", http.MethodPost, "/v1/orders", orderBody{
		OrderRequest:   req,
		IdempotencyKey: req.NotificationID.String(),
	}, &resp)
	if httpclient.IsClientError(err) {
		return "", fmt.Errorf("%w: %v", external.ErrOrderRejected, err)
	}
	if err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", apperr.External(nil, "notification service returned no order id")
	}
	return resp.OrderID, nil
}

type orderBody struct {
	external.OrderRequest
	IdempotencyKey string `json:"idempotency_key"`
}

// Cancel cancels an unsent order. The service answers 409 for orders that
// were already processed.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	err := c.http.Do(ctx, "cancel_order", http.MethodPut, "/v1/orders/"+url.PathEscape(orderID)+"/cancel", nil, nil)
	switch httpclient.StatusCode(err) {
	case http.StatusConflict, http.StatusNotFound, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %v", external.ErrCancellationRejected, err)
	}
	return err
}

// GetStatus returns the delivery state of an order.
func (c *Client) GetStatus(ctx context.Context, orderID string) (*external.OrderSummary, error) {
	var summary external.OrderSummary
	err := c.http.Do(ctx, "order_status", http.MethodGet, "/v1/orders/"+url.PathEscape(orderID)+"/status", nil, &summary)
	if err != nil {
		if httpclient.StatusCode(err) == http.StatusNotFound {
			return nil, apperr.Rejected(err, "order %s is unknown to the notification service", orderID)
		}
		return nil, err
	}
	switch summary.Status {
	case external.OrderPending, external.OrderSent, external.OrderCancelled, external.OrderFailed:
	default:
		return nil, apperr.External(nil, "order %s has unexpected status %q", orderID, summary.Status)
	}
	if summary.OrderID == "" {
		summary.OrderID = orderID
	}
	return &summary, nil
}
