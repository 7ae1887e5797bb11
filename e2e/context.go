package e2e

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"courier/internal/bootstrap"
	instructionhandler "courier/internal/instruction/handler"
	instructionservice "courier/internal/instruction/service"
	instructionstore "courier/internal/instruction/store"
	jwttoken "courier/internal/jwt_token"
	notificationstore "courier/internal/notification/store"
	"courier/internal/platform/config"
	"courier/internal/platform/health"
	httptransport "courier/internal/transport/http"
	id "courier/pkg/domain"
	"courier/pkg/platform/middleware/request"
)

const signingKey = "e2e-signing-key"

// TestContext holds one scenario's running stack and the state carried
// between its steps. Each scenario gets a fresh database and Redis.
type TestContext struct {
	BaseURL    string
	HTTPClient *http.Client

	LastResponse         *http.Response
	LastResponseBody     []byte
	PreviousResponseBody []byte

	infra         *bootstrap.Infra
	server        *httptest.Server
	redis         *miniredis.Miniredis
	dir           string
	tokens        *jwttoken.JWTService
	notifications *notificationstore.SQLStore

	tenant  id.TenantID
	actors  map[string]id.ActorID
	lastReq *recordedRequest
	// lastInstruction is the instruction returned by the latest issue.
	lastInstruction map[string]any
}

type recordedRequest struct {
	actor   string
	method  string
	path    string
	body    []byte
	headers map[string]string
}

// NewTestContext starts the HTTP API over SQLite and an in-process Redis.
func NewTestContext() (*TestContext, error) {
	dir, err := os.MkdirTemp("", "courier-e2e-*")
	if err != nil {
		return nil, err
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}
	cfg.Database.Driver = "sqlite"
	cfg.Database.URL = filepath.Join(dir, "courier.db")
	cfg.Database.AutoMigrate = true
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Kafka.Brokers = nil
	cfg.Server.JWTSigningKey = signingKey

	logger := slog.New(slog.DiscardHandler)
	ctx := context.Background()
	infra, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	guard, err := infra.Guard()
	if err != nil {
		return nil, err
	}
	svc, err := instructionservice.New(
		instructionstore.New(infra.Pool.DB(), infra.Pool.Dialect()),
		guard, infra.Runner, infra.Writer(),
		instructionservice.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	probes := health.New("e2e")
	infra.RegisterChecks(probes)
	tokens := jwttoken.NewJWTService(signingKey, cfg.Server.JWTIssuer, time.Hour)
	server := httptest.NewServer(httptransport.NewRouter(httptransport.Config{
		Logger:       logger,
		Metrics:      request.NewMetrics(infra.PromRegistry),
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Validator:    jwttoken.NewJWTServiceAdapter(tokens),
		Probes:       probes,
		API:          []httptransport.RouteRegistrar{instructionhandler.New(svc, logger)},
	}))

	return &TestContext{
		BaseURL:       server.URL,
		HTTPClient:    &http.Client{Timeout: 10 * time.Second},
		infra:         infra,
		server:        server,
		redis:         mr,
		dir:           dir,
		tokens:        tokens,
		notifications: notificationstore.New(infra.Pool.DB(), infra.Pool.Dialect()),
		tenant:        id.TenantID(uuid.New()),
		actors:        make(map[string]id.ActorID),
	}, nil
}

// Close stops the stack and removes the scenario's database.
func (tc *TestContext) Close() {
	tc.server.Close()
	_ = tc.infra.Close()
	tc.redis.Close()
	_ = os.RemoveAll(tc.dir)
}

func (tc *TestContext) actor(name string) id.ActorID {
	a, ok := tc.actors[name]
	if !ok {
		a = id.ActorID(uuid.New())
		tc.actors[name] = a
	}
	return a
}

func (tc *TestContext) token(name string) (string, error) {
	return tc.tokens.IssueToken(tc.actor(name), tc.tenant)
}

// do sends a request as the named actor and records the response.
func (tc *TestContext) do(ctx context.Context, req *recordedRequest) error {
	token, err := tc.token(req.actor)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, tc.BaseURL+req.path, bytes.NewReader(req.body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := tc.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	tc.PreviousResponseBody = tc.LastResponseBody
	tc.LastResponse = resp
	tc.LastResponseBody = body
	tc.lastReq = req
	return nil
}

func (tc *TestContext) GetLastResponseStatus() int {
	if tc.LastResponse == nil {
		return 0
	}
	return tc.LastResponse.StatusCode
}

func (tc *TestContext) GetLastResponseBody() []byte {
	return tc.LastResponseBody
}

func (tc *TestContext) GetPreviousResponseBody() []byte {
	return tc.PreviousResponseBody
}
