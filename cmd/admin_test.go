package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ams/bootstrap"
	"ams/config"
	"ams/core"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSeedYAML = `
users:
  - username: analyst
    display_name: Analyst One
reference:
  queue:
    - value: default
  submission_type:
    - value: manual
  observable_type:
    - value: ipv4
    - value: fqdn
  disposition:
    - value: FALSE_POSITIVE
      rank: 10
    - value: DELIVERY
      rank: 20
`

// setupTestCLI points openFunc at a temporary database and resets global flags
func setupTestCLI(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{StartupMode: config.StartupModeStrict}
	cfg.DataPaths.DataDir = t.TempDir()
	cfg.Storage.ReferenceCacheSize = 16
	cfg.History.DefaultActor = "admin"
	cfg.ResolveDataPaths()

	prevOpen := openFunc
	openFunc = func(ctx context.Context) (*bootstrap.App, error) {
		return bootstrap.Open(ctx, cfg, zap.NewNop(), zap.NewNop().Sugar())
	}
	prevNoColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() {
		openFunc = prevOpen
		color.NoColor = prevNoColor
		outputJSON, noColor, quiet = false, false, false
	})
	outputJSON, noColor, quiet = false, false, false

	return cfg
}

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// runAdmin executes the admin command with args and returns stdout
func runAdmin(t *testing.T, args ...string) (string, error) {
	t.Helper()
	outputJSON, noColor, quiet = false, false, false

	var out, errOut bytes.Buffer
	cmd := NewAdminCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedAndCreateSubmission(t *testing.T, cfg *config.Config) (*core.Submission, uuid.UUID) {
	t.Helper()
	_, err := runAdmin(t, "seed", "--file", writeSeedFile(t, testSeedYAML), "--quiet")
	require.NoError(t, err)

	ctx := context.Background()
	app, err := bootstrap.Open(ctx, cfg, zap.NewNop(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer app.Close()

	sub, err := app.Services.Submissions.Create(ctx, core.SubmissionCreate{
		Queue: "default",
		Type:  "manual",
		Observables: []core.ObservableCreate{
			{Type: "ipv4", Value: "10.1.1.1", HistoryMeta: core.HistoryMeta{HistoryUsername: "analyst"}},
		},
		HistoryMeta: core.HistoryMeta{HistoryUsername: "analyst"},
	})
	require.NoError(t, err)

	tree, err := app.Services.Trees.ReadTree(ctx, sub.UUID, core.TreeOptions{})
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	require.Len(t, tree.Children[0].Children, 1)
	return sub, tree.Children[0].Children[0].UUID
}

func TestNewAdminCmd(t *testing.T) {
	cmd := NewAdminCmd()
	assert.Equal(t, "admin", cmd.Use)

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, expected := range []string{"seed", "tree", "history"} {
		assert.True(t, names[expected], "Missing command: %s", expected)
	}

	assert.NotNil(t, cmd.PersistentFlags().Lookup("json"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("no-color"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("quiet"))
}

func TestLoadSeedFile(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		seed, err := loadSeedFile(writeSeedFile(t, testSeedYAML))
		require.NoError(t, err)
		assert.Len(t, seed.Users, 1)
		assert.Equal(t, "Analyst One", seed.Users[0].DisplayName)
		require.Len(t, seed.Reference["disposition"], 2)
		require.NotNil(t, seed.Reference["disposition"][1].Rank)
		assert.Equal(t, 20, *seed.Reference["disposition"][1].Rank)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := loadSeedFile(writeSeedFile(t, "reference:\n  colour:\n    - value: red\n"))
		assert.ErrorIs(t, err, core.ErrInvalidField)
	})

	t.Run("path traversal", func(t *testing.T) {
		_, err := loadSeedFile("../etc/passwd")
		assert.ErrorContains(t, err, "path traversal")
		_, err = loadSeedFile("%2e%2e/etc/passwd")
		assert.ErrorContains(t, err, "path traversal")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := loadSeedFile(writeSeedFile(t, "users: [unclosed"))
		assert.ErrorContains(t, err, "failed to parse seed file")
	})
}

func TestSeedCmd_Idempotent(t *testing.T) {
	setupTestCLI(t)
	path := writeSeedFile(t, testSeedYAML)

	out, err := runAdmin(t, "seed", "--file", path, "--json")
	require.NoError(t, err)
	var first SeedResult
	require.NoError(t, json.Unmarshal([]byte(out), &first), out)
	assert.Equal(t, SeedCount{Created: 2}, first.Users)
	assert.Equal(t, SeedCount{Created: 2}, first.Reference[core.ReferenceObservableType])
	assert.Equal(t, SeedCount{Created: 2}, first.Reference[core.ReferenceDisposition])

	out, err = runAdmin(t, "seed", "--file", path, "--json")
	require.NoError(t, err)
	var second SeedResult
	require.NoError(t, json.Unmarshal([]byte(out), &second), out)
	assert.Equal(t, SeedCount{Existing: 2}, second.Users)
	assert.Equal(t, SeedCount{Existing: 1}, second.Reference[core.ReferenceQueue])

	out, err = runAdmin(t, "seed", "--file", path, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "SEED SUMMARY")
	assert.Contains(t, out, "Seed complete")
}

func TestSeedCmd_RequiresFile(t *testing.T) {
	setupTestCLI(t)
	_, err := runAdmin(t, "seed")
	assert.Error(t, err)
}

func TestTreeCmd(t *testing.T) {
	cfg := setupTestCLI(t)
	sub, observableUUID := seedAndCreateSubmission(t, cfg)

	out, err := runAdmin(t, "tree", sub.UUID.String(), "--no-color")
	require.NoError(t, err)
	assert.Contains(t, out, "SUBMISSION "+sub.UUID.String())
	assert.Contains(t, out, "- analysis root")
	assert.Contains(t, out, "    - observable ipv4: 10.1.1.1")
	assert.NotContains(t, out, " *\n")

	out, err = runAdmin(t, "tree", sub.UUID.String(), "--critical-point", observableUUID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "observable ipv4: 10.1.1.1 *")

	out, err = runAdmin(t, "tree", sub.UUID.String(), "--json")
	require.NoError(t, err)
	var tree core.SubmissionTree
	require.NoError(t, json.Unmarshal([]byte(out), &tree), out)
	assert.Equal(t, sub.UUID, tree.UUID)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, core.TreeObjectAnalysis, tree.Children[0].ObjectType)

	_, err = runAdmin(t, "tree", sub.UUID.String(), "--critical-point", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid critical point")

	_, err = runAdmin(t, "tree", uuid.NewString())
	assert.ErrorIs(t, err, core.ErrUUIDNotFound)
}

func TestHistoryCmd(t *testing.T) {
	cfg := setupTestCLI(t)
	sub, _ := seedAndCreateSubmission(t, cfg)

	out, err := runAdmin(t, "history", "submission", sub.UUID.String(), "--json")
	require.NoError(t, err)
	var records []core.HistoryRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records), out)
	require.Len(t, records, 1)
	assert.Equal(t, core.HistoryActionCreate, records[0].Action)
	assert.Equal(t, "analyst", records[0].ActionBy)

	out, err = runAdmin(t, "history", "submission", sub.UUID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "HISTORY SUBMISSION")
	assert.Contains(t, out, "CREATE")

	_, err = runAdmin(t, "history", "node_relationship", sub.UUID.String())
	assert.ErrorIs(t, err, core.ErrInvalidField)

	_, err = runAdmin(t, "history", "widget", sub.UUID.String())
	assert.ErrorIs(t, err, core.ErrInvalidField)

	_, err = runAdmin(t, "history", "observable", sub.UUID.String())
	assert.Error(t, err)
}

func TestFormatDiff(t *testing.T) {
	assert.Equal(t, "", formatDiff(nil))
	assert.Equal(t, "null -> FALSE_POSITIVE", formatDiff(&core.Diff{NewValue: "FALSE_POSITIVE"}))
	assert.Equal(t, "Never", formatTime(time.Time{}))
}
