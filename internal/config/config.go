// file: internal/config/config.go

package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/fx147/kube-notifier/pkg/dedup"
	"github.com/fx147/kube-notifier/pkg/informer"
	"github.com/fx147/kube-notifier/pkg/notifier"
	"github.com/fx147/kube-notifier/pkg/pipeline"
	"github.com/fx147/kube-notifier/pkg/webhook/rest"
)

// 持久化 checkpoint 的后端
const (
	BackendNone = "none"
	BackendBolt = "bolt"
	BackendFile = "file"
)

// Config 是进程启动时加载一次的配置，加载之后不再修改。
type Config struct {
	Kubeconfig string `mapstructure:"kubeconfig"`
	Context    string `mapstructure:"context"`

	Resource   ResourceConfig   `mapstructure:"resource"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Dedup      DedupConfig      `mapstructure:"dedup"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Register   RegisterConfig   `mapstructure:"register"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ResourceConfig 描述被 watch 的资源集合。
type ResourceConfig struct {
	Group    string `mapstructure:"group"`
	Version  string `mapstructure:"version"`
	Resource string `mapstructure:"resource"`
	// Kind 只在对象本身没有 kind 字段时使用
	Kind string `mapstructure:"kind"`
	// Namespace 为空表示所有命名空间
	Namespace     string `mapstructure:"namespace"`
	LabelSelector string `mapstructure:"label-selector"`
	FieldSelector string `mapstructure:"field-selector"`
}

func (r ResourceConfig) GVR() schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: r.Group, Version: r.Version, Resource: r.Resource}
}

type SinkConfig struct {
	// URL 是 webhook 地址，可能带有 token，只能来自配置。
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DispatchConfig struct {
	MaxAttempts         int           `mapstructure:"max-attempts"`
	Workers             int           `mapstructure:"workers"`
	RetryBaseDelay      time.Duration `mapstructure:"retry-base-delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry-max-delay"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown-grace-period"`
}

type WatchConfig struct {
	BackoffBase      time.Duration `mapstructure:"backoff-base"`
	BackoffCap       time.Duration `mapstructure:"backoff-cap"`
	MaxRetryDuration time.Duration `mapstructure:"max-retry-duration"`
	TimeoutSeconds   int64         `mapstructure:"timeout-seconds"`
	IdleTimeout      time.Duration `mapstructure:"idle-timeout"`
}

type DedupConfig struct {
	WindowSize int `mapstructure:"window-size"`
}

type CheckpointConfig struct {
	Backend  string        `mapstructure:"backend"`
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResolvedPath 返回 Path，未设置时返回后端的默认路径。
func (c CheckpointConfig) ResolvedPath() string {
	if c.Path != "" {
		return c.Path
	}
	switch c.Backend {
	case BackendBolt:
		return "kube-notifier.db"
	case BackendFile:
		return "checkpoints"
	}
	return ""
}

type RegisterConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DefinitionFile 为空时注册内置的 meetups.example.com
	DefinitionFile string `mapstructure:"definition-file"`
}

type MetricsConfig struct {
	// Address 为空时不启动 /metrics
	Address string `mapstructure:"address"`
}

// SetDefaults 为所有配置项设置默认值。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("resource.group", "")
	v.SetDefault("resource.version", "v1")
	v.SetDefault("resource.resource", "pods")
	v.SetDefault("resource.kind", "Pod")

	v.SetDefault("sink.timeout", 10*time.Second)

	v.SetDefault("dispatch.max-attempts", notifier.DefaultMaxAttempts)
	v.SetDefault("dispatch.workers", notifier.DefaultWorkers)
	v.SetDefault("dispatch.retry-base-delay", notifier.DefaultRetryBaseDelay)
	v.SetDefault("dispatch.retry-max-delay", notifier.DefaultRetryMaxDelay)
	v.SetDefault("dispatch.shutdown-grace-period", pipeline.DefaultShutdownGracePeriod)

	v.SetDefault("watch.backoff-base", informer.DefaultBackoffBase)
	v.SetDefault("watch.backoff-cap", informer.DefaultBackoffCap)
	v.SetDefault("watch.max-retry-duration", informer.DefaultMaxRetryDuration)
	v.SetDefault("watch.timeout-seconds", informer.DefaultTimeoutSeconds)
	v.SetDefault("watch.idle-timeout", informer.DefaultIdleTimeout)

	v.SetDefault("dedup.window-size", dedup.DefaultCapacity)

	v.SetDefault("checkpoint.backend", BackendNone)
	v.SetDefault("checkpoint.interval", pipeline.DefaultCheckpointInterval)

	v.SetDefault("register.enabled", false)
	v.SetDefault("metrics.address", ":9090")
}

// Load 从 v 中读取配置。调用方负责调用 Validate。
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

// Validate 检查 run 命令需要的所有配置项。
func (c *Config) Validate() error {
	var errs field.ErrorList

	res := field.NewPath("resource")
	if c.Resource.Version == "" {
		errs = append(errs, field.Required(res.Child("version"), ""))
	}
	if c.Resource.Resource == "" {
		errs = append(errs, field.Required(res.Child("resource"), ""))
	}

	sink := field.NewPath("sink")
	if c.Sink.URL == "" {
		errs = append(errs, field.Required(sink.Child("url"), "the webhook endpoint must be configured"))
	} else if _, err := rest.ParseEndpoint(c.Sink.URL); err != nil {
		// 错误信息中不能出现完整的 URL
		errs = append(errs, field.Invalid(sink.Child("url"), rest.RedactURL(c.Sink.URL), err.Error()))
	}
	errs = append(errs, positiveDuration(sink.Child("timeout"), c.Sink.Timeout)...)

	dispatch := field.NewPath("dispatch")
	errs = append(errs, positiveInt(dispatch.Child("max-attempts"), c.Dispatch.MaxAttempts)...)
	errs = append(errs, positiveInt(dispatch.Child("workers"), c.Dispatch.Workers)...)
	errs = append(errs, positiveDuration(dispatch.Child("retry-base-delay"), c.Dispatch.RetryBaseDelay)...)
	errs = append(errs, positiveDuration(dispatch.Child("shutdown-grace-period"), c.Dispatch.ShutdownGracePeriod)...)
	if c.Dispatch.RetryMaxDelay < c.Dispatch.RetryBaseDelay {
		errs = append(errs, field.Invalid(dispatch.Child("retry-max-delay"), c.Dispatch.RetryMaxDelay.String(), "must not be less than retry-base-delay"))
	}

	watch := field.NewPath("watch")
	errs = append(errs, positiveDuration(watch.Child("backoff-base"), c.Watch.BackoffBase)...)
	errs = append(errs, positiveDuration(watch.Child("max-retry-duration"), c.Watch.MaxRetryDuration)...)
	errs = append(errs, positiveDuration(watch.Child("idle-timeout"), c.Watch.IdleTimeout)...)
	if c.Watch.BackoffCap < c.Watch.BackoffBase {
		errs = append(errs, field.Invalid(watch.Child("backoff-cap"), c.Watch.BackoffCap.String(), "must not be less than backoff-base"))
	}
	if c.Watch.TimeoutSeconds <= 0 {
		errs = append(errs, field.Invalid(watch.Child("timeout-seconds"), c.Watch.TimeoutSeconds, "must be positive"))
	}

	errs = append(errs, positiveInt(field.NewPath("dedup", "window-size"), c.Dedup.WindowSize)...)

	errs = append(errs, checkpointErrors(c.Checkpoint)...)

	if agg := errs.ToAggregate(); agg != nil {
		return fmt.Errorf("invalid configuration: %w", agg)
	}
	return nil
}

// ValidateCheckpoint 只检查 checkpoint 相关的配置，checkpoint 命令也会用到。
func (c *Config) ValidateCheckpoint() error {
	if agg := checkpointErrors(c.Checkpoint).ToAggregate(); agg != nil {
		return fmt.Errorf("invalid configuration: %w", agg)
	}
	return nil
}

func checkpointErrors(c CheckpointConfig) field.ErrorList {
	var errs field.ErrorList
	p := field.NewPath("checkpoint")
	switch c.Backend {
	case BackendNone, BackendBolt, BackendFile:
	default:
		errs = append(errs, field.NotSupported(p.Child("backend"), c.Backend, []string{BackendNone, BackendBolt, BackendFile}))
	}
	if c.Backend != BackendNone {
		errs = append(errs, positiveDuration(p.Child("interval"), c.Interval)...)
	}
	return errs
}

func positiveInt(p *field.Path, v int) field.ErrorList {
	if v <= 0 {
		return field.ErrorList{field.Invalid(p, v, "must be positive")}
	}
	return nil
}

func positiveDuration(p *field.Path, d time.Duration) field.ErrorList {
	if d <= 0 {
		return field.ErrorList{field.Invalid(p, d.String(), "must be positive")}
	}
	return nil
}
