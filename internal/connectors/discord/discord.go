// Package discord integrates Discord: a send-message action over the
// channel messages endpoint.
package discord

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2/endpoints"

	"github.com/hookline/hookline/internal/connectors/rest"
	"github.com/hookline/hookline/pkg/connector"
)

const defaultBaseURL = "https://discord.com/api/v10"

// New builds the Discord app with the given OAuth client credentials.
func New(clientID, clientSecret, redirectURL string) *connector.App {
	auth := rest.NewOAuth(clientID, clientSecret, redirectURL,
		[]string{"identify", "messages.write"},
		endpoints.Discord,
	)
	return &connector.App{
		ID:          "discord",
		Name:        "Discord",
		Description: "Discord channel actions",
		Auth:        auth,
		Actions:     []connector.Action{&sendMessage{baseURL: defaultBaseURL}},
	}
}

var sendMessageSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"channelId": {"type": "string", "minLength": 1},
		"content": {"type": "string", "minLength": 1, "maxLength": 2000}
	},
	"required": ["channelId", "content"],
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
	}
}

func (a *sendMessage) Run(ctx context.Context, fields map[string]any, accessToken string) connector.Result {
	channelID, _ := fields["channelId"].(string)
	content, _ := fields["content"].(string)
	if channelID == "" || content == "" {
		return connector.Fail(400, "send-message requires channelId and content fields")
	}

	url := fmt.Sprintf("%s/channels/%s/messages", a.baseURL, channelID)
	resp, err := rest.PostJSON(ctx, url, accessToken, map[string]string{"content": content})
	if err != nil {
		return connector.Fail(500, err.Error())
	}
	if !resp.Success() {
		return connector.Fail(resp.StatusCode, apiError(resp))
	}
	return connector.OK(fmt.Sprintf("Message posted to channel %s", channelID), resp.Body)
}

// apiError extracts Discord's error envelope, falling back to the status.
func apiError(resp rest.Response) string {
	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err == nil && envelope.Message != "" {
		return envelope.Message
	}
	return fmt.Sprintf("discord API returned status %d", resp.StatusCode)
}
