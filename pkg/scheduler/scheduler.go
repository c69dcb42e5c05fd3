package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/config"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/httpx"
)

var ErrScheduling = errors.New("revocation scheduling failed")

// Revocation describes the future task that removes a grant.
type Revocation struct {
	GrantRef       string
	At             time.Time
	Description    string
	RequesterEmail string
}

// Client posts one-shot tasks to the scheduled-tasks API. Submissions are
// never retried: a retry after an ambiguous failure could schedule twice.
type Client struct {
	http    *http.Client
	url     string
	apiKey  string
	channel string
	agent   string
	org     string
	log     zerolog.Logger
}

func New(httpClient *http.Client, cfg config.Config, log zerolog.Logger) *Client {
	return &Client{
		http:    httpClient,
		url:     cfg.Scheduler.URL,
		apiKey:  cfg.Scheduler.APIKey,
		channel: cfg.Slack.ApprovalChannel,
		agent:   cfg.Identity.AgentProfile,
		org:     cfg.Identity.Organization,
		log:     log,
	}
}

type taskPayload struct {
	CronString       *string `json:"cron_string"`
	ScheduleTime     string  `json:"schedule_time"`
	ChannelID        string  `json:"channel_id"`
	TaskDescription  string  `json:"task_description"`
	SelectedAgent    string  `json:"selected_agent"`
	UserEmail        string  `json:"user_email"`
	OrganizationName string  `json:"organization_name"`
}

type taskResponse struct {
	TaskID string `json:"task_id"`
	ID     string `json:"id"`
}

// ScheduleRevocation returns the scheduler's task id. A 2xx reply without an
// id is accepted with an empty id.
func (c *Client) ScheduleRevocation(ctx context.Context, rev Revocation) (string, error) {
	if strings.TrimSpace(c.url) == "" {
		return "", fmt.Errorf("%w: JIT_SCHEDULER_URL not configured", ErrScheduling)
	}
	if strings.TrimSpace(rev.GrantRef) == "" {
		return "", fmt.Errorf("%w: missing grant reference", ErrScheduling)
	}
	if rev.At.IsZero() {
		return "", fmt.Errorf("%w: missing schedule time", ErrScheduling)
	}
	payload := taskPayload{
		ScheduleTime:     rev.At.UTC().Format(time.RFC3339),
		ChannelID:        c.channel,
		TaskDescription:  rev.Description,
		SelectedAgent:    c.agent,
		UserEmail:        rev.RequesterEmail,
		OrganizationName: c.org,
	}
	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "UserKey " + c.apiKey
	}
	resp, err := httpx.PostJSON(ctx, c.http, c.url, payload, headers, 0, 0)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrScheduling, err)
	}
	var out taskResponse
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			c.log.Warn().Err(err).Msg("scheduler reply was not JSON")
		}
	}
	id := out.TaskID
	if id == "" {
		id = out.ID
	}
	c.log.Info().Str("grant_ref", rev.GrantRef).Str("task_id", id).Time("at", rev.At).Msg("revocation scheduled")
	return id, nil
}

// TaskDescription is the instruction the scheduled agent executes.
func TaskDescription(policyName, policyARN, permissionSet, requestID string) string {
	return fmt.Sprintf("Immediately remove policy %s (%s) from permission set %s as the TTL has expired. Run: revoke --request_id %s", policyName, policyARN, permissionSet, requestID)
}
