package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const hookURL = "https://hooks.example.com/services/T000/B000/secret-token"

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	v := newViper()
	v.Set("sink.url", hookURL)

	cfg, err := Load(v)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, schema.GroupVersionResource{Version: "v1", Resource: "pods"}, cfg.Resource.GVR())
	assert.Equal(t, "", cfg.Resource.Namespace, "all namespaces by default")
	assert.Equal(t, 10*time.Second, cfg.Sink.Timeout)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, time.Second, cfg.Watch.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Watch.BackoffCap)
	assert.Equal(t, int64(300), cfg.Watch.TimeoutSeconds)
	assert.Equal(t, 4096, cfg.Dedup.WindowSize)
	assert.Equal(t, BackendNone, cfg.Checkpoint.Backend)
	assert.False(t, cfg.Register.Enabled)
}

func TestLoad_FromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".kube-notifier.yaml")
	content := `
resource:
  group: example.com
  version: v1
  resource: meetups
  namespace: events
sink:
  url: ` + hookURL + `
  timeout: 3s
dispatch:
  retry-base-delay: 250ms
watch:
  max-retry-duration: 1m
checkpoint:
  backend: bolt
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v := newViper()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KUBENOTIFIER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	require.NoError(t, v.ReadInConfig())

	t.Setenv("KUBENOTIFIER_DISPATCH_MAX_ATTEMPTS", "7")

	cfg, err := Load(v)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, schema.GroupVersionResource{Group: "example.com", Version: "v1", Resource: "meetups"}, cfg.Resource.GVR())
	assert.Equal(t, "events", cfg.Resource.Namespace)
	assert.Equal(t, 3*time.Second, cfg.Sink.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.RetryBaseDelay)
	assert.Equal(t, 7, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Watch.MaxRetryDuration)
	assert.Equal(t, "kube-notifier.db", cfg.Checkpoint.ResolvedPath())
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate  func(v *viper.Viper)
		wantErr string
	}{
		"missing sink url": {
			mutate:  func(v *viper.Viper) { v.Set("sink.url", "") },
			wantErr: "sink.url: Required value",
		},
		"malformed sink url": {
			mutate:  func(v *viper.Viper) { v.Set("sink.url", "ftp://hooks.example.com/secret-token") },
			wantErr: "sink.url",
		},
		"zero attempts": {
			mutate:  func(v *viper.Viper) { v.Set("dispatch.max-attempts", 0) },
			wantErr: "dispatch.max-attempts",
		},
		"negative window": {
			mutate:  func(v *viper.Viper) { v.Set("dedup.window-size", -1) },
			wantErr: "dedup.window-size",
		},
		"cap below base": {
			mutate: func(v *viper.Viper) {
				v.Set("watch.backoff-base", "10s")
				v.Set("watch.backoff-cap", "1s")
			},
			wantErr: "watch.backoff-cap",
		},
		"unknown backend": {
			mutate:  func(v *viper.Viper) { v.Set("checkpoint.backend", "redis") },
			wantErr: "checkpoint.backend",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			v := newViper()
			v.Set("sink.url", hookURL)
			tc.mutate(v)

			cfg, err := Load(v)
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
			assert.NotContains(t, err.Error(), "secret-token", "the webhook url must never be logged")
		})
	}
}

func TestValidateCheckpoint(t *testing.T) {
	v := newViper()
	v.Set("checkpoint.backend", "file")
	cfg, err := Load(v)
	require.NoError(t, err)

	// run 以外的命令不需要 sink.url
	assert.NoError(t, cfg.ValidateCheckpoint())
	assert.Equal(t, "checkpoints", cfg.Checkpoint.ResolvedPath())
}
