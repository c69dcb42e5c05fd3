package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/config"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/httpx"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
)

var ErrWebhook = errors.New("approval webhook delivery failed")

type communication struct {
	Destination string `json:"destination"`
	Method      string `json:"method"`
}

type webhookPayload struct {
	AgentID       string                `json:"agent_id,omitempty"`
	Communication communication         `json:"communication"`
	CreatedAt     string                `json:"created_at"`
	CreatedBy     string                `json:"created_by"`
	Name          string                `json:"name"`
	Org           string                `json:"org"`
	Prompt        string                `json:"prompt"`
	RequestID     string                `json:"request_id"`
	PolicyJSON    models.PolicyDocument `json:"policy_json"`
	TTL           int                   `json:"ttl"`
	UserEmail     string                `json:"user_email"`
	Purpose       string                `json:"purpose"`
	Source        string                `json:"source"`
	UpdatedAt     string                `json:"updated_at"`
}

// Webhook delivers approval prompts to the approval channel. Delivery is
// retried on transport errors and 5xx because the receiver deduplicates on
// request_id.
type Webhook struct {
	http        *http.Client
	url         string
	retries     int
	retryDelay  time.Duration
	destination string
	org         string
	agentID     string
	now         func() time.Time
	log         zerolog.Logger
}

func NewWebhook(httpClient *http.Client, cfg config.Config, log zerolog.Logger) *Webhook {
	return &Webhook{
		http:        httpClient,
		url:         cfg.Webhook.URL,
		retries:     cfg.Webhook.Retries,
		retryDelay:  cfg.Webhook.RetryDelay,
		destination: cfg.Slack.ApprovalChannel,
		org:         cfg.Identity.Organization,
		agentID:     cfg.Identity.AgentUUID,
		now:         time.Now,
		log:         log,
	}
}

func (w *Webhook) RequestApproval(ctx context.Context, req models.AccessRequest, prompt string) error {
	if strings.TrimSpace(w.url) == "" {
		return fmt.Errorf("%w: KUBIYA_JIT_WEBHOOK not configured", ErrWebhook)
	}
	ts := w.now().UTC().Format(time.RFC3339)
	payload := webhookPayload{
		AgentID:       w.agentID,
		Communication: communication{Destination: w.destination, Method: "Slack"},
		CreatedAt:     ts,
		CreatedBy:     req.RequesterEmail,
		Name:          "Approval Request",
		Org:           w.org,
		Prompt:        prompt,
		RequestID:     req.RequestID,
		PolicyJSON:    req.PolicyDocument,
		TTL:           req.TTLMinutes,
		UserEmail:     req.RequesterEmail,
		Purpose:       req.Purpose,
		Source:        "Triggered by an access request (Agent)",
		UpdatedAt:     ts,
	}
	resp, err := httpx.PostJSON(ctx, w.http, w.url, payload, nil, w.retries, w.retryDelay)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWebhook, err)
	}
	w.log.Info().Str("request_id", req.RequestID).Int("status", resp.Status).Msg("approval request delivered")
	return nil
}
