// Package slack integrates Slack: a new-message polling trigger and a
// send-message action over the Slack Web API.
//
// Slack reports most failures as HTTP 200 with ok:false and an error code;
// those are remapped so credential errors surface as 401 like every other
// app.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/hookline/hookline/internal/conditions"
	"github.com/hookline/hookline/internal/connectors/rest"
	"github.com/hookline/hookline/pkg/connector"
)

const defaultBaseURL = "https://slack.com/api"

// Endpoint is Slack's OAuth v2 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://slack.com/oauth/v2/authorize",
	TokenURL: "https://slack.com/api/oauth.v2.access",
}

// New builds the Slack app with the given OAuth client credentials.
func New(clientID, clientSecret, redirectURL string) *connector.App {
	auth := rest.NewOAuth(clientID, clientSecret, redirectURL,
		[]string{"channels:history", "chat:write"},
		Endpoint,
	)
	return &connector.App{
		ID:          "slack",
		Name:        "Slack",
		Description: "Slack channel triggers and actions",
		Auth:        auth,
		Triggers:    []connector.Trigger{newMessageTrigger(defaultBaseURL)},
		Actions:     []connector.Action{&sendMessage{baseURL: defaultBaseURL}},
	}
}

// authErrors are the Slack error codes that mean the access token is no
// longer valid and the refresh protocol should run.
var authErrors = map[string]bool{
	"invalid_auth":     true,
	"token_expired":    true,
	"token_revoked":    true,
	"account_inactive": true,
}

var newMessageSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"channel": {"type": "string", "minLength": 1},
		"conditions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"field": {"type": "string", "minLength": 1},
					"operator": {"enum": ["EQUAL", "NOT_EQUAL", "CONTAINS"]},
					"value": {}
				},
				"required": ["field", "operator"]
			}
		}
	},
	"required": ["channel"],
	"additionalProperties": false
}`)

type newMessage struct {
	baseURL string
	eval    *conditions.Evaluator
}

func newMessageTrigger(baseURL string) *newMessage {
	return &newMessage{baseURL: baseURL, eval: conditions.NewEvaluator()}
}

func (t *newMessage) Spec() connector.OperationSpec {
	return connector.OperationSpec{
		ID:          "new-message",
		Name:        "New Message",
		Description: "Fires when a channel receives a message matching the conditions",
		InputSchema: newMessageSchema,
		Scopes:      []string{"channels:history"},
	}
}

type historyResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Messages []struct {
		User string `json:"user"`
		Text string `json:"text"`
		TS   string `json:"ts"`
	} `json:"messages"`
}

func (t *newMessage) Run(ctx context.Context, fields map[string]any, lastExecutedAt *time.Time, accessToken string) connector.Result {
	channel, _ := fields["channel"].(string)
	if channel == "" {
		return connector.Fail(400, "new-message requires a channel field")
	}
	conds, err := conditions.Decode(fields["conditions"])
	if err != nil {
		return connector.Fail(400, err.Error())
	}

	q := url.Values{"channel": {channel}, "limit": {"50"}}
	if lastExecutedAt != nil {
		q.Set("oldest", fmt.Sprintf("%d.000000", lastExecutedAt.Unix()))
	}
	resp, err := rest.GetJSON(ctx, t.baseURL+"/conversations.history?"+q.Encode(), accessToken)
	if err != nil {
		return connector.Fail(500, err.Error())
	}
	if !resp.Success() {
		return connector.Fail(resp.StatusCode, fmt.Sprintf("slack API returned status %d", resp.StatusCode))
	}

	var history historyResponse
	if err := resp.DecodeJSON(&history); err != nil {
		return connector.Fail(500, err.Error())
	}
	if !history.OK {
		return slackError(history.Error)
	}
	if len(history.Messages) == 0 {
		return connector.Fail(404, "no new messages")
	}

	matched := make([]map[string]any, 0, len(history.Messages))
	for _, m := range history.Messages {
		payload := map[string]any{"text": m.Text, "user": m.User, "ts": m.TS}
		ok, err := t.eval.EvaluateAll(conds, payload)
		if err != nil {
			return connector.Fail(400, err.Error())
		}
		if ok {
			matched = append(matched, payload)
		}
	}
	if len(matched) == 0 {
		return connector.Fail(404, "no new messages matched the conditions")
	}

	data, _ := json.Marshal(map[string]any{"messages": matched})
	return connector.OK(fmt.Sprintf("%d new messages", len(matched)), data)
}

var sendMessageSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"channel": {"type": "string", "minLength": 1},
		"text": {"type": "string", "minLength": 1}
	},
	"required": ["channel", "text"],
	"additionalProperties": false
}`)

type sendMessage struct {
	baseURL string
}

func (a *sendMessage) Spec() connector.OperationSpec {
	return connector.OperationSpec{
		ID:          "send-message",
		Name:        "Send Message",
		Description: "Posts a message to a channel",
		InputSchema: sendMessageSchema,
		Scopes:      []string{"chat:write"},
	}
}

func (a *sendMessage) Run(ctx context.Context, fields map[string]any, accessToken string) connector.Result {
	channel, _ := fields["channel"].(string)
	text, _ := fields["text"].(string)
	if channel == "" || text == "" {
		return connector.Fail(400, "send-message requires channel and text fields")
	}

	resp, err := rest.PostJSON(ctx, a.baseURL+"/chat.postMessage", accessToken, map[string]string{
		"channel": channel,
		"text":    text,
	})
	if err != nil {
		return connector.Fail(500, err.Error())
	}
	if !resp.Success() {
		return connector.Fail(resp.StatusCode, fmt.Sprintf("slack API returned status %d", resp.StatusCode))
	}

	var posted struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		TS    string `json:"ts"`
	}
	if err := resp.DecodeJSON(&posted); err != nil {
		return connector.Fail(500, err.Error())
	}
	if !posted.OK {
		return slackError(posted.Error)
	}
	data, _ := json.Marshal(map[string]string{"ts": posted.TS})
	return connector.OK(fmt.Sprintf("Message posted to %s", channel), data)
}

func slackError(code string) connector.Result {
	if authErrors[code] {
		return connector.Fail(401, fmt.Sprintf("slack auth error: %s", code))
	}
	return connector.Fail(400, fmt.Sprintf("slack API error: %s", code))
}
