package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cucumber/godog"

	"courier/e2e/steps/common"
	"courier/internal/bootstrap"
	"courier/internal/outbox/models"
)

// RegisterSteps registers all step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	common.RegisterSteps(ctx, tc)

	ctx.Step(`^the courier service is running$`, tc.serviceIsRunning)

	// Commands
	ctx.Step(`^"([^"]*)" issues an instruction "([^"]*)" to "([^"]*)" due in (-?\d+) hours with idempotency key "([^"]*)"$`, tc.issueWithKey)
	ctx.Step(`^"([^"]*)" issues an instruction "([^"]*)" to "([^"]*)" due in (-?\d+) hours without an idempotency key$`, tc.issueWithoutKey)
	ctx.Step(`^"([^"]*)" sends the same request again$`, tc.repeatAs)
	ctx.Step(`^"([^"]*)" marks the item done with idempotency key "([^"]*)"$`, tc.completeItem)
	ctx.Step(`^"([^"]*)" fetches the instruction$`, tc.fetchInstruction)

	// Background processing
	ctx.Step(`^the outbox is drained$`, tc.drainOutbox)
	ctx.Step(`^the scanner runs$`, tc.runScanner)

	// Outcomes
	ctx.Step(`^the outbox should hold (\d+) "([^"]*)" events?$`, tc.outboxShouldHold)
	ctx.Step(`^"([^"]*)" should have (\d+) notifications?$`, tc.shouldHaveNotifications)
	ctx.Step(`^"([^"]*)" should have a notification titled "([^"]*)"$`, tc.shouldHaveNotificationTitled)
}

func (tc *TestContext) serviceIsRunning(ctx context.Context) error {
	return tc.infra.Pool.Health(ctx)
}

func (tc *TestContext) issueRequest(issuer, title, assignee string, dueInHours int, key string) (*recordedRequest, error) {
	body, err := json.Marshal(map[string]any{
		"title": title,
		"items": []map[string]any{{
			"title":      title + " item",
			"assigneeId": tc.actor(assignee).String(),
			"dueAt":      time.Now().UTC().Add(time.Duration(dueInHours) * time.Hour).Format(time.RFC3339),
		}},
	})
	if err != nil {
		return nil, err
	}
	req := &recordedRequest{actor: issuer, method: http.MethodPost, path: "/v1/instructions", body: body}
	if key != "" {
		req.headers = map[string]string{"Idempotency-Key": key}
	}
	return req, nil
}

func (tc *TestContext) issue(ctx context.Context, req *recordedRequest) error {
	if err := tc.do(ctx, req); err != nil {
		return err
	}
	if tc.GetLastResponseStatus() == http.StatusCreated {
		var created map[string]any
		if err := json.Unmarshal(tc.LastResponseBody, &created); err != nil {
			return fmt.Errorf("decode issued instruction: %w", err)
		}
		tc.lastInstruction = created
	}
	return nil
}

func (tc *TestContext) issueWithKey(ctx context.Context, issuer, title, assignee string, dueInHours int, key string) error {
	req, err := tc.issueRequest(issuer, title, assignee, dueInHours, key)
	if err != nil {
		return err
	}
	return tc.issue(ctx, req)
}

func (tc *TestContext) issueWithoutKey(ctx context.Context, issuer, title, assignee string, dueInHours int) error {
	return tc.issueWithKey(ctx, issuer, title, assignee, dueInHours, "")
}

// repeatAs replays the previous request byte for byte, as actor.
func (tc *TestContext) repeatAs(ctx context.Context, actor string) error {
	if tc.lastReq == nil {
		return fmt.Errorf("no previous request")
	}
	again := *tc.lastReq
	again.actor = actor
	if again.path == "/v1/instructions" {
		return tc.issue(ctx, &again)
	}
	return tc.do(ctx, &again)
}

func (tc *TestContext) itemID() (string, error) {
	items, _ := tc.lastInstruction["items"].([]any)
	if len(items) == 0 {
		return "", fmt.Errorf("no instruction has been issued")
	}
	item, _ := items[0].(map[string]any)
	itemID, _ := item["id"].(string)
	return itemID, nil
}

func (tc *TestContext) completeItem(ctx context.Context, actor, key string) error {
	itemID, err := tc.itemID()
	if err != nil {
		return err
	}
	return tc.do(ctx, &recordedRequest{
		actor:   actor,
		method:  http.MethodPost,
		path:    "/v1/instructions/items/" + itemID + "/done",
		headers: map[string]string{"Idempotency-Key": key},
	})
}

func (tc *TestContext) fetchInstruction(ctx context.Context, actor string) error {
	instructionID, _ := tc.lastInstruction["id"].(string)
	if instructionID == "" {
		return fmt.Errorf("no instruction has been issued")
	}
	return tc.do(ctx, &recordedRequest{actor: actor, method: http.MethodGet, path: "/v1/instructions/" + instructionID})
}

func (tc *TestContext) drainOutbox(ctx context.Context) error {
	registry, err := tc.infra.Registry(nil)
	if err != nil {
		return err
	}
	_, err = bootstrap.Drain(ctx, tc.infra.Poller(registry))
	return err
}

func (tc *TestContext) runScanner(ctx context.Context) error {
	s, err := tc.infra.Scanner()
	if err != nil {
		return err
	}
	report, err := s.RunOnce(ctx)
	if err != nil {
		return err
	}
	if report.Skipped {
		return fmt.Errorf("scanner tick was skipped")
	}
	return nil
}

func (tc *TestContext) outboxShouldHold(ctx context.Context, count int, eventType string) error {
	events, err := tc.infra.Events.ListByType(ctx, models.EventType(eventType))
	if err != nil {
		return err
	}
	if len(events) != count {
		return fmt.Errorf("expected %d %s events, found %d", count, eventType, len(events))
	}
	return nil
}

func (tc *TestContext) shouldHaveNotifications(ctx context.Context, actor string, count int) error {
	inbox, err := tc.notifications.ListForRecipient(ctx, tc.actor(actor), 100)
	if err != nil {
		return err
	}
	if len(inbox) != count {
		titles := make([]string, 0, len(inbox))
		for _, n := range inbox {
			titles = append(titles, n.Title)
		}
		return fmt.Errorf("expected %d notifications for %s, found %d: %v", count, actor, len(inbox), titles)
	}
	return nil
}

func (tc *TestContext) shouldHaveNotificationTitled(ctx context.Context, actor, title string) error {
	inbox, err := tc.notifications.ListForRecipient(ctx, tc.actor(actor), 100)
	if err != nil {
		return err
	}
	for _, n := range inbox {
		if n.Title == title {
			return nil
		}
	}
	return fmt.Errorf("%s has no notification titled %q", actor, title)
}
