// Package system provides built-in triggers that need no external API or
// credential: currently the timer, driven by a fixed interval or a cron
// schedule.
package system

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hookline/hookline/pkg/connector"
)

// App returns the system app. It carries no Auth: its triggers run with an
// empty access token and no stored connection.
func App() *connector.App {
	return &connector.App{
		ID:          "system",
		Name:        "System",
		Description: "Built-in triggers that run without external credentials",
		Triggers:    []connector.Trigger{&timerTrigger{now: time.Now}},
	}
}

var timerSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"intervalMs": {"type": "number", "minimum": 1000},
		"cron": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`)

type timerTrigger struct {
	now func() time.Time
}

func (t *timerTrigger) Spec() connector.OperationSpec {
	return connector.OperationSpec{
		ID:          "timer",
		Name:        "Timer",
		Description: "Fires on a fixed interval or cron schedule",
		InputSchema: timerSchema,
	}
}

// Run fires when the configured interval has elapsed since lastExecutedAt,
// or when the cron schedule has a due instant inside (lastExecutedAt, now].
// A workflow that has never fired (nil lastExecutedAt) fires immediately.
func (t *timerTrigger) Run(ctx context.Context, fields map[string]any, lastExecutedAt *time.Time, accessToken string) connector.Result {
	now := t.now()

	if expr, ok := fields["cron"].(string); ok && expr != "" {
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return connector.Fail(400, fmt.Sprintf("invalid cron expression %q: %v", expr, err))
		}
		if lastExecutedAt == nil || !sched.Next(*lastExecutedAt).After(now) {
			return fired(now)
		}
		return connector.Fail(404, "timer not due")
	}

	intervalMs, ok := fields["intervalMs"].(float64)
	if !ok || intervalMs <= 0 {
		return connector.Fail(400, "timer requires an intervalMs or cron field")
	}
	interval := time.Duration(intervalMs) * time.Millisecond
	if lastExecutedAt == nil || now.Sub(*lastExecutedAt) >= interval {
		return fired(now)
	}
	return connector.Fail(404, "timer not due")
}

func fired(now time.Time) connector.Result {
	data, _ := json.Marshal(map[string]string{"firedAt": now.UTC().Format(time.RFC3339)})
	return connector.OK("timer fired", data)
}
