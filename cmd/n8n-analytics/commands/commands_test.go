package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
)

type cli struct {
	t          *testing.T
	dir        string
	configPath string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvPrefix+"_DATA_DIR", dir)
	t.Setenv(config.EnvPrefix+"_MASTER_KEY", "")
	t.Setenv(config.EnvPrefix+"_DATABASE_DSN", "")
	t.Setenv(apiKeyEnv, "")
	return &cli{t: t, dir: dir, configPath: filepath.Join(dir, "config.yaml")}
}

// run executes one command line and returns its stdout.
func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", c.configPath, "--as", "ops@example.com"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, out)
	return out
}

// fakeN8N serves one workflow and one finished execution.
func fakeN8N(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-N8N-API-KEY") != apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"unauthorized"}`))
			return
		}
		switch r.URL.Path {
		case "/rest/settings":
			_, _ = w.Write([]byte(`{"data":{"versionCli":"1.45.0"}}`))
		case "/api/v1/workflows":
			_, _ = w.Write([]byte(`{"data":[{
				"id": "wf-1", "name": "Nightly report", "active": true,
				"nodes": [{"name": "Cron", "type": "n8n-nodes-base.scheduleTrigger",
					"parameters": {"rule": {"interval": [{"field": "cronExpression", "expression": "0 2 * * *"}]}}}],
				"connections": {}, "tags": []
			}],"nextCursor":null}`))
		case "/api/v1/executions":
			_, _ = w.Write([]byte(`{"data":[{
				"id": "100", "workflowId": "wf-1", "status": "success", "finished": true, "mode": "trigger",
				"startedAt": "2024-05-01T02:00:00.000Z", "stoppedAt": "2024-05-01T02:00:30.000Z"
			}],"nextCursor":null}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInit(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun("init")
	assert.Contains(t, out, "Created config file")

	info, err := os.Stat(filepath.Join(c.dir, "master.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.FileExists(t, c.configPath)
	assert.FileExists(t, filepath.Join(c.dir, "analytics.db"))

	key, err := os.ReadFile(filepath.Join(c.dir, "master.key"))
	require.NoError(t, err)

	out = c.mustRun("init")
	assert.Contains(t, out, "Config file already exists")

	again, err := os.ReadFile(filepath.Join(c.dir, "master.key"))
	require.NoError(t, err)
	assert.Equal(t, key, again, "existing master key must be kept")
}

func TestCommandsRequireMasterKey(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("config", "get", config.KeySyncInterval)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master key")
}

func TestConfigCommands(t *testing.T) {
	c := newCLI(t)
	c.mustRun("init")

	assert.Equal(t, "15\n", c.mustRun("config", "get", config.KeySyncInterval))

	c.mustRun("config", "set", config.KeySyncInterval, "30", "--reason", "less load")
	assert.Equal(t, "30\n", c.mustRun("config", "get", config.KeySyncInterval))

	_, err := c.run("config", "set", config.KeySyncInterval, "0")
	assert.Error(t, err)

	_, err = c.run("config", "set", config.KeySyncInterval)
	assert.Error(t, err)

	out, err := c.run("config", "set", config.KeyExecutionBatchSize, "50", config.KeyMaxConcurrentProviders, "99")
	require.Error(t, err)
	assert.Contains(t, out, "✗ "+config.KeyMaxConcurrentProviders)
	assert.Equal(t, "50\n", c.mustRun("config", "get", config.KeyExecutionBatchSize))

	out = c.mustRun("--json", "config", "history", "--key", config.KeySyncInterval)
	var history []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "ops@example.com", history[0]["changed_by"])
	assert.Equal(t, "less load", history[0]["change_reason"])

	c.mustRun("config", "set", config.KeySMTPPassword, "hunter2")
	out = c.mustRun("config", "list", "--category", "notifications")
	assert.Contains(t, out, config.SecretMask)
	assert.NotContains(t, out, "hunter2")

	exportPath := filepath.Join(c.dir, "settings.yaml")
	c.mustRun("config", "export", "--out", exportPath)
	exported, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	assert.Contains(t, string(exported), config.KeySyncInterval)
	assert.NotContains(t, string(exported), "hunter2")

	out = c.mustRun("config", "reset")
	assert.Contains(t, out, config.KeySyncInterval+" reset")

	c.mustRun("config", "import", exportPath)
	assert.Equal(t, "30\n", c.mustRun("config", "get", config.KeySyncInterval))
}

func TestProviderSyncAndStatus(t *testing.T) {
	c := newCLI(t)
	c.mustRun("init")
	srv := fakeN8N(t, "good-key")

	_, err := c.run("provider", "add", "--name", "prod", "--url", srv.URL, "--api-key", "bad-key")
	require.Error(t, err)

	out := c.mustRun("provider", "test", "--url", srv.URL, "--api-key", "good-key")
	assert.Contains(t, out, "version 1.45.0")

	t.Setenv(apiKeyEnv, "good-key")
	out = c.mustRun("--json", "provider", "add", "--name", "prod", "--url", srv.URL+"/")
	var provider struct {
		ID      string `json:"id"`
		BaseURL string `json:"base_url"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &provider))
	assert.Equal(t, srv.URL, provider.BaseURL)

	out = c.mustRun("provider", "list")
	assert.Contains(t, out, provider.ID)

	out = c.mustRun("--json", "sync")
	var result struct {
		Successful int `json:"successful"`
		Failed     int `json:"failed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 0, result.Failed)

	out = c.mustRun("status")
	assert.Contains(t, out, "prod")
	assert.Contains(t, out, "Executions: 1 total, 1 succeeded, 0 failed")

	c.mustRun("provider", "update", provider.ID, "--name", "production")
	assert.Contains(t, c.mustRun("provider", "list"), "production")

	c.mustRun("provider", "remove", provider.ID)
	assert.NotContains(t, c.mustRun("provider", "list"), provider.ID)
}

func TestBackupAndRestore(t *testing.T) {
	c := newCLI(t)
	c.mustRun("init")
	c.mustRun("config", "set", config.KeySyncInterval, "45")

	backupPath := filepath.Join(c.dir, "backup.db")
	c.mustRun("backup", "--out", backupPath)
	assert.FileExists(t, backupPath)

	_, err := c.run("backup", "--out", backupPath)
	assert.Error(t, err, "existing backup must not be overwritten")

	c.mustRun("config", "set", config.KeySyncInterval, "60")

	_, err = c.run("restore", "--from", backupPath)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "--force"))

	c.mustRun("restore", "--from", backupPath, "--force")
	assert.Equal(t, "45\n", c.mustRun("config", "get", config.KeySyncInterval))
	assert.FileExists(t, filepath.Join(c.dir, "analytics.db.pre-restore"))
}
