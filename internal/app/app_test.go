package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/brainrot/internal/common"
)

func testConfig(t *testing.T) *common.Config {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Messaging.Account = "+15550000"
	cfg.Messaging.SignalCLI.Path = filepath.Join(t.TempDir(), "no-such-signal-cli")
	cfg.LLM.Provider = common.LLMProviderOpencode
	cfg.Pipeline.WorkDir = t.TempDir()
	cfg.Server.Enabled = false
	return cfg
}

func closeApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, a.Close(ctx))
}

func jobNames(a *App) []string {
	var names []string
	for _, s := range a.SchedulerService.Statuses() {
		names = append(names, s.Name)
	}
	return names
}

func TestNew_WiresComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Enabled = true
	cfg.Storage.Badger.Enabled = true
	cfg.Storage.Badger.Path = filepath.Join(t.TempDir(), "archive")

	a, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)

	assert.NotNil(t, a.Messenger)
	assert.NotNil(t, a.Summarizer)
	assert.NotNil(t, a.Coordinator)
	assert.NotNil(t, a.Listener)
	assert.NotNil(t, a.Archive)
	assert.NotNil(t, a.Server)
	assert.Equal(t, []string{"archive-prune", "pipeline-sweep"}, jobNames(a))

	require.NoError(t, a.SchedulerService.Trigger("pipeline-sweep"))
	require.NoError(t, a.SchedulerService.Trigger("archive-prune"))
	for _, s := range a.SchedulerService.Statuses() {
		assert.Empty(t, s.LastError, s.Name)
		assert.Equal(t, 1, s.Runs, s.Name)
	}

	assert.Contains(t, a.pipelineCrashState(), `"jobs":0`)

	closeApp(t, a)
	assert.Nil(t, a.Archive)
}

func TestNew_ArchiveDisabled(t *testing.T) {
	a, err := New(testConfig(t), arbor.NewLogger())
	require.NoError(t, err)
	defer closeApp(t, a)

	assert.Nil(t, a.Archive)
	assert.Nil(t, a.Server)
	assert.Equal(t, []string{"pipeline-sweep"}, jobNames(a))
}

func TestNew_Errors(t *testing.T) {
	t.Run("missing account", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Messaging.Account = ""
		_, err := New(cfg, arbor.NewLogger())
		assert.ErrorContains(t, err, "messaging.account")
	})

	t.Run("bad rate limit", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.LLM.RateLimit = "sometimes"
		_, err := New(cfg, arbor.NewLogger())
		assert.Error(t, err)
	})

	t.Run("archive without path", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.Badger.Enabled = true
		cfg.Storage.Badger.Path = ""
		_, err := New(cfg, arbor.NewLogger())
		assert.ErrorContains(t, err, "job archive")
	})
}

func TestStart_ReportsTransportFailure(t *testing.T) {
	a, err := New(testConfig(t), arbor.NewLogger())
	require.NoError(t, err)
	defer closeApp(t, a)

	require.NoError(t, a.Start())

	select {
	case err := <-a.Errors():
		assert.ErrorContains(t, err, "listener")
	case <-time.After(5 * time.Second):
		t.Fatal("expected the listener to report the missing signal-cli binary")
	}
}
