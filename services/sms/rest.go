// Package smssvc holds the SMS channels absence alerts go out through.
package smssvc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sendgrid/rest"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/notify"
)

type (
	providerRequest struct {
		To        string `json:"to"`
		From      string `json:"from,omitempty"`
		Body      string `json:"body"`
		Reference string `json:"reference,omitempty"`
	}

	providerResponse struct {
		Status     string `json:"status"`
		ResourceID string `json:"resourceId"`
		ID         string `json:"id"`
		Error      string `json:"error"`
		Message    string `json:"message"`
	}
)

// restTransport posts messages as JSON to an HTTP SMS gateway.
type restTransport struct {
	url    string
	token  string
	sender string
	client *rest.Client
}

var _ notify.Transport = (*restTransport)(nil)

func NewRESTTransport(conf *core.Config) *restTransport {
	return &restTransport{
		url:    conf.Notify.SMSProviderURL,
		token:  conf.Notify.SMSProviderToken,
		sender: conf.Notify.SMSSender,
		client: &rest.Client{HTTPClient: &http.Client{Timeout: 15 * time.Second}},
	}
}

func (t *restTransport) Send(ctx context.Context, msg notify.SMS) (notify.SendResult, error) {
	body, err := json.Marshal(providerRequest{To: msg.To, From: t.sender, Body: msg.Body, Reference: msg.Ref})
	if err != nil {
		return notify.SendResult{}, errors.Wrap(err, "encoding sms")
	}
	req := rest.Request{
		Method:  rest.Post,
		BaseURL: t.url,
		Headers: map[string]string{
			"Authorization": "Bearer " + t.token,
			"Content-Type":  "application/json",
			"Accept":        "application/json",
		},
		Body: body,
	}

	res, err := t.client.SendWithContext(ctx, req)
	if err != nil {
		return notify.SendResult{}, errors.Wrap(err, "calling sms provider")
	}
	return parseProviderResponse(res), nil
}

func parseProviderResponse(res *rest.Response) notify.SendResult {
	var pr providerResponse
	_ = json.Unmarshal([]byte(res.Body), &pr)

	id := pr.ResourceID
	if id == "" {
		id = pr.ID
	}
	if res.StatusCode >= http.StatusBadRequest {
		msg := pr.Error
		if msg == "" {
			msg = pr.Message
		}
		if msg == "" {
			msg = strings.TrimSpace(res.Body)
		}
		return notify.SendResult{Status: notify.StatusFailed, ResourceID: id, Error: fmt.Sprintf("provider status %d: %s", res.StatusCode, msg)}
	}

	switch strings.ToLower(pr.Status) {
	case "failed", "rejected", "undelivered", "error":
		msg := pr.Error
		if msg == "" {
			msg = pr.Message
		}
		return notify.SendResult{Status: notify.StatusFailed, ResourceID: id, Error: msg}
	default: // sent, queued, accepted...
		return notify.SendResult{Status: notify.StatusSent, ResourceID: id}
	}
}
