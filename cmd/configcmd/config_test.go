package configcmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/rxclassify/internal/conf"
)

func TestShowRedactsSecrets(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{
		Classifier: conf.ClassifierSettings{TargetLabel: "prescription"},
		MQTT:       conf.MQTTSettings{Broker: "tcp://broker:1883", Password: "hunter2"},
		Sentry:     conf.SentrySettings{DSN: "https://key@sentry.example/1"},
	}

	var buf bytes.Buffer
	require.NoError(t, show(&buf, settings))
	assert.NotContains(t, buf.String(), "hunter2")
	assert.NotContains(t, buf.String(), "key@sentry")

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	mqtt, ok := doc["mqtt"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, redacted, mqtt["password"])
	assert.Equal(t, "tcp://broker:1883", mqtt["broker"])

	assert.Equal(t, "hunter2", settings.MQTT.Password, "caller's settings are untouched")
}

func TestInitWritesDefaultConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rx", "config.yaml")
	configFile := ""
	cmd := Command(&conf.Settings{}, &configFile, "skip")

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, conf.DefaultConfig(), data)

	cmd.SetArgs([]string{"init", path})
	require.Error(t, cmd.Execute(), "existing file needs --force")

	cmd.SetArgs([]string{"init", "--force", path})
	require.NoError(t, cmd.Execute())
}

func TestTargetPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a.yaml", targetPath([]string{"a.yaml"}, "b.yaml"))
	assert.Equal(t, "b.yaml", targetPath(nil, "b.yaml"))
	assert.Equal(t, "config.yaml", filepath.Base(targetPath(nil, "")))
}
