// Package dialogs is the HTTP client of the dialog service, which holds the
// recipient-facing activity log of each correspondence.
package dialogs

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

const service = "dialogs"

// Client implements external.ActivityService.
type Client struct {
	http *httpclient.Client
}

var _ external.ActivityService = (*Client)(nil)

func New(cfg httpclient.Config, logger *logging.Logger) *Client {
	return &Client{http: httpclient.New(service, cfg, logger)}
}

func activitiesPath(dialogID string) string {
	return "/v1/dialogs/" + url.PathEscape(dialogID) + "/activities"
}

// RecordActivity appends an activity to the dialog.
func (c *Client) RecordActivity(ctx context.Context, dialogID string, activity models.Activity) error {
	err := c.http.Do(ctx, "record_activity", http.MethodPost, activitiesPath(dialogID), activity, nil)
	if httpclient.StatusCode(err) == http.StatusNotFound {
		return apperr.Rejected(err, "dialog %s does not exist", dialogID)
	}
	return err
}

type dialogState struct {
	ID           string                `json:"id"`
	PatchedKinds []models.ActivityKind `json:"patched_kinds"`
}

// VerifyPatched reports whether the dialog's state already reflects kind. A
// dialog that does not exist yet is not patched.
func (c *Client) VerifyPatched(ctx context.Context, dialogID string, kind models.ActivityKind) (bool, error) {
	var state dialogState
	err := c.http.Do(ctx, "verify_patched", http.MethodGet, "/v1/dialogs/"+url.PathEscape(dialogID), nil, &state)
	if httpclient.StatusCode(err) == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, k := range state.PatchedKinds {
		if k == kind {
			return true, nil
		}
	}
	return false, nil
}

type activityList struct {
	Items []models.Activity `json:"items"`
}

// HasActivity reports whether the dialog holds an activity of kind about
// reference.
func (c *Client) HasActivity(ctx context.Context, dialogID string, kind models.ActivityKind, reference string) (bool, error) {
	q := url.Values{}
	q.Set("kind", string(kind))
	if reference != "" {
		q.Set("reference", reference)
	}

	var list activityList
	err := c.http.Do(ctx, "has_activity", http.MethodGet, activitiesPath(dialogID)+"?"+q.Encode(), nil, &list)
	if httpclient.StatusCode(err) == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, a := range list.Items {
		if a.Kind == kind && a.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

// DeleteActivities removes every activity of the dialog. Deleting from a
// dialog that is already gone succeeds.
func (c *Client) DeleteActivities(ctx context.Context, dialogID string) error {
	err := c.http.Do(ctx, "delete_activities", http.MethodDelete, activitiesPath(dialogID), nil, nil)
	if httpclient.StatusCode(err) == http.StatusNotFound {
		return nil
	}
	return err
}
