package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwttoken "courier/internal/jwt_token"
	"courier/pkg/testutil"
)

func TestMain(m *testing.M) {
	addPersistentFlags()
	registerCommands()
	os.Exit(m.Run())
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestMigrateAndStats(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "courier.db")
	conn := []string{"--database-driver", "sqlite", "--database-url", dbPath}

	out, err := execute(t, append([]string{"migrate", "--json"}, conn...)...)
	require.NoError(t, err)
	var migrated map[string]int
	require.NoError(t, json.Unmarshal([]byte(out), &migrated))
	assert.Positive(t, migrated["applied"])

	out, err = execute(t, append([]string{"migrate", "--json"}, conn...)...)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &migrated))
	assert.Zero(t, migrated["applied"])

	out, err = execute(t, append([]string{"outbox", "stats", "--json=false"}, conn...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "pending")

	out, err = execute(t, append([]string{"outbox", "drain", "--json=false"}, conn...)...)
	require.NoError(t, err)
	assert.Equal(t, "claimed 0 event(s)\n", out)
}

func TestRequeueNeedsIDsOrAll(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "courier.db")
	_, err := execute(t, "outbox", "requeue", "--database-driver", "sqlite", "--database-url", dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--all")
}

func TestTokenIsAcceptedByTheServerValidator(t *testing.T) {
	out, err := execute(t, "token", "--json=false",
		"--actor", testutil.TestIDs.ActorID1.String(),
		"--tenant", testutil.TestIDs.TenantID1.String(),
		"--ttl", "5m",
	)
	require.NoError(t, err)

	svc := jwttoken.NewJWTService("dev-secret-key-change-in-production", "courier", time.Hour)
	claims, err := svc.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, testutil.TestIDs.ActorID1.String(), claims.ActorID)
	assert.Equal(t, testutil.TestIDs.TenantID1.String(), claims.TenantID)
}
