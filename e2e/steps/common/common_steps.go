package common

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cucumber/godog"
)

// TestContext is what the response assertions need from the scenario state.
type TestContext interface {
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
	GetPreviousResponseBody() []byte
}

// RegisterSteps registers the response assertions shared by every feature.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &commonSteps{tc: tc}

	ctx.Step(`^the response status should be (\d+)$`, steps.responseStatusShouldBe)
	ctx.Step(`^the response field "([^"]*)" should equal "([^"]*)"$`, steps.responseFieldShouldEqual)
	ctx.Step(`^the response field "([^"]*)" should contain "([^"]*)"$`, steps.responseFieldShouldContain)
	ctx.Step(`^the response should be identical to the previous one$`, steps.responseIdenticalToPrevious)
	ctx.Step(`^the response should differ from the previous one$`, steps.responseDiffersFromPrevious)
}

type commonSteps struct {
	tc TestContext
}

func (s *commonSteps) responseStatusShouldBe(ctx context.Context, expectedStatus int) error {
	actualStatus := s.tc.GetLastResponseStatus()
	if actualStatus != expectedStatus {
		return fmt.Errorf("expected status %d but got %d\nResponse: %s", expectedStatus, actualStatus, s.tc.GetLastResponseBody())
	}
	return nil
}

func (s *commonSteps) field(name string) (string, error) {
	var data map[string]any
	if err := json.Unmarshal(s.tc.GetLastResponseBody(), &data); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	value, ok := data[name]
	if !ok {
		return "", fmt.Errorf("field %s not found in response", name)
	}
	return fmt.Sprint(value), nil
}

func (s *commonSteps) responseFieldShouldEqual(ctx context.Context, field, expectedValue string) error {
	actual, err := s.field(field)
	if err != nil {
		return err
	}
	if actual != expectedValue {
		return fmt.Errorf("field %s: expected %s but got %s", field, expectedValue, actual)
	}
	return nil
}

func (s *commonSteps) responseFieldShouldContain(ctx context.Context, field, expectedSubstring string) error {
	actual, err := s.field(field)
	if err != nil {
		return err
	}
	if !strings.Contains(actual, expectedSubstring) {
		return fmt.Errorf("field %s: expected to contain %s but got %s", field, expectedSubstring, actual)
	}
	return nil
}

func (s *commonSteps) responseIdenticalToPrevious(ctx context.Context) error {
	if !bytes.Equal(s.tc.GetLastResponseBody(), s.tc.GetPreviousResponseBody()) {
		return fmt.Errorf("responses differ\nprevious: %s\nlast:     %s", s.tc.GetPreviousResponseBody(), s.tc.GetLastResponseBody())
	}
	return nil
}

func (s *commonSteps) responseDiffersFromPrevious(ctx context.Context) error {
	if bytes.Equal(s.tc.GetLastResponseBody(), s.tc.GetPreviousResponseBody()) {
		return fmt.Errorf("expected a new response, got a replay: %s", s.tc.GetLastResponseBody())
	}
	return nil
}
