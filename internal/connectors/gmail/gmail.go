// Package gmail integrates Gmail: a new-email polling trigger and a
// send-email action over the Gmail REST API, authenticated with Google OAuth.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/hookline/hookline/internal/conditions"
	"github.com/hookline/hookline/internal/connectors/rest"
	"github.com/hookline/hookline/pkg/connector"
)

const (
	defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

	// maxInspect caps how many listed messages are fetched for condition
	// matching in one poll.
	maxInspect = 25
)

// New builds the Gmail app with the given OAuth client credentials.
// access_type=offline is required or Google never issues a refresh token.
func New(clientID, clientSecret, redirectURL string) *connector.App {
	auth := rest.NewOAuth(clientID, clientSecret, redirectURL,
		[]string{
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/gmail.send",
		},
		endpoints.Google,
		oauth2.AccessTypeOffline,
	)
	return &connector.App{
		ID:          "gmail",
		Name:        "Gmail",
		Description: "Google Mail triggers and actions",
		Auth:        auth,
		Triggers:    []connector.Trigger{newEmailTrigger(defaultBaseURL)},
		Actions:     []connector.Action{&sendEmail{baseURL: defaultBaseURL}},
	}
}

var newEmailSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
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
	"additionalProperties": false
}`)

type newEmail struct {
	baseURL string
	eval    *conditions.Evaluator
}

func newEmailTrigger(baseURL string) *newEmail {
	return &newEmail{baseURL: baseURL, eval: conditions.NewEvaluator()}
}

func (t *newEmail) Spec() connector.OperationSpec {
	return connector.OperationSpec{
		ID:          "new-email",
		Name:        "New Email",
		Description: "Fires when an unread email matching the conditions arrives",
		InputSchema: newEmailSchema,
		Scopes:      []string{"https://www.googleapis.com/auth/gmail.readonly"},
	}
}

type messageList struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type messageDetail struct {
	ID      string `json:"id"`
	Snippet string `json:"snippet"`
	Payload struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

func (t *newEmail) Run(ctx context.Context, fields map[string]any, lastExecutedAt *time.Time, accessToken string) connector.Result {
	conds, err := conditions.Decode(fields["conditions"])
	if err != nil {
		return connector.Fail(400, err.Error())
	}

	query := "is:unread"
	if lastExecutedAt != nil {
		query = fmt.Sprintf("is:unread after:%d", lastExecutedAt.Unix())
	}
	listURL := fmt.Sprintf("%s/users/me/messages?maxResults=%d&q=%s",
		t.baseURL, maxInspect, url.QueryEscape(query))

	resp, err := rest.GetJSON(ctx, listURL, accessToken)
	if err != nil {
		return connector.Fail(500, err.Error())
	}
	if !resp.Success() {
		return connector.Fail(resp.StatusCode, apiError(resp))
	}

	var list messageList
	if err := resp.DecodeJSON(&list); err != nil {
		return connector.Fail(500, err.Error())
	}
	if len(list.Messages) == 0 {
		return connector.Fail(404, "no new emails")
	}

	matched := make([]map[string]any, 0, len(list.Messages))
	for _, m := range list.Messages {
		detail, result := t.fetchMessage(ctx, m.ID, accessToken)
		if detail == nil {
			return result
		}
		payload := map[string]any{
			"id":      detail.ID,
			"snippet": detail.Snippet,
		}
		for _, h := range detail.Payload.Headers {
			switch h.Name {
			case "Subject":
				payload["subject"] = h.Value
			case "From":
				payload["from"] = h.Value
			}
		}
		ok, err := t.eval.EvaluateAll(conds, payload)
		if err != nil {
			return connector.Fail(400, err.Error())
		}
		if ok {
			matched = append(matched, payload)
		}
	}
	if len(matched) == 0 {
		return connector.Fail(404, "no new emails matched the conditions")
	}

	data, _ := json.Marshal(map[string]any{"emails": matched})
	return connector.OK(fmt.Sprintf("%d new emails", len(matched)), data)
}

func (t *newEmail) fetchMessage(ctx context.Context, id, accessToken string) (*messageDetail, connector.Result) {
	detailURL := fmt.Sprintf(
		"%s/users/me/messages/%s?format=metadata&metadataHeaders=Subject&metadataHeaders=From",
		t.baseURL, id)
	resp, err := rest.GetJSON(ctx, detailURL, accessToken)
	if err != nil {
		return nil, connector.Fail(500, err.Error())
	}
	if !resp.Success() {
		return nil, connector.Fail(resp.StatusCode, apiError(resp))
	}
	var detail messageDetail
	if err := resp.DecodeJSON(&detail); err != nil {
		return nil, connector.Fail(500, err.Error())
	}
	return &detail, connector.Result{}
}

var sendEmailSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"to": {"type": "string", "minLength": 3},
		"subject": {"type": "string"},
		"body": {"type": "string"}
	},
	"required": ["to", "subject", "body"],
	"additionalProperties": false
}`)

type sendEmail struct {
	baseURL string
}

func (a *sendEmail) Spec() connector.OperationSpec {
	return connector.OperationSpec{
		ID:          "send-email",
		Name:        "Send Email",
		Description: "Sends a plain-text email from the connected account",
		InputSchema: sendEmailSchema,
		Scopes:      []string{"https://www.googleapis.com/auth/gmail.send"},
	}
}

func (a *sendEmail) Run(ctx context.Context, fields map[string]any, accessToken string) connector.Result {
	to, _ := fields["to"].(string)
	subject, _ := fields["subject"].(string)
	body, _ := fields["body"].(string)
	if to == "" {
		return connector.Fail(400, "send-email requires a to field")
	}

	msg := fmt.Sprintf("To: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n%s",
		to, subject, body)
	payload := map[string]string{
		"raw": base64.URLEncoding.EncodeToString([]byte(msg)),
	}

	resp, err := rest.PostJSON(ctx, a.baseURL+"/users/me/messages/send", accessToken, payload)
	if err != nil {
		return connector.Fail(500, err.Error())
	}
	if !resp.Success() {
		return connector.Fail(resp.StatusCode, apiError(resp))
	}
	return connector.OK(fmt.Sprintf("Email sent to %s", to), resp.Body)
}

// apiError extracts Google's error envelope, falling back to the raw body.
func apiError(resp rest.Response) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return fmt.Sprintf("gmail API returned status %d", resp.StatusCode)
}
