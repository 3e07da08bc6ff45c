// file: cmd/kube-notifier/cmd/run.go

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/fx147/kube-notifier/internal/config"
	"github.com/fx147/kube-notifier/internal/kube"
	"github.com/fx147/kube-notifier/pkg/checkpoint"
	"github.com/fx147/kube-notifier/pkg/dedup"
	"github.com/fx147/kube-notifier/pkg/informer"
	"github.com/fx147/kube-notifier/pkg/notifier"
	"github.com/fx147/kube-notifier/pkg/pipeline"
	"github.com/fx147/kube-notifier/pkg/registrar"
)

// runFlags 是 run 命令的标志名到配置项的映射。
var runFlags = map[string]string{
	"namespace":          "resource.namespace",
	"group":              "resource.group",
	"version":            "resource.version",
	"resource":           "resource.resource",
	"kind":               "resource.kind",
	"selector":           "resource.label-selector",
	"field-selector":     "resource.field-selector",
	"webhook-url":        "sink.url",
	"sink-timeout":       "sink.timeout",
	"max-attempts":       "dispatch.max-attempts",
	"workers":            "dispatch.workers",
	"dedup-window":       "dedup.window-size",
	"checkpoint-backend": "checkpoint.backend",
	"checkpoint-path":    "checkpoint.path",
	"metrics-address":    "metrics.address",
	"register":           "register.enabled",
	"definition-file":    "register.definition-file",
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch a resource and send a webhook notification for every change",
		Example: `  # Notify about pod changes in the default namespace
  KUBENOTIFIER_SINK_URL=https://hooks.slack.com/services/... kube-notifier run -n default

  # Register the Meetup CRD and watch meetups, keeping the checkpoint in bbolt
  kube-notifier run --register --group example.com --resource meetups --kind Meetup --checkpoint-backend bolt`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd.Flags(), runFlags)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringP("namespace", "n", "", "Namespace to watch (empty means all namespaces)")
	flags.String("group", "", "API group of the watched resource (empty for the core group)")
	flags.String("version", "", "API version of the watched resource")
	flags.String("resource", "", "Plural resource name to watch, e.g. pods or meetups")
	flags.String("kind", "", "Kind of the watched resource, used in notification texts")
	flags.StringP("selector", "l", "", "Label selector to filter the watched objects")
	flags.String("field-selector", "", "Field selector to filter the watched objects")
	flags.String("webhook-url", "", "Webhook URL that receives notifications (prefer KUBENOTIFIER_SINK_URL)")
	flags.Duration("sink-timeout", 0, "Timeout of a single webhook request")
	flags.Int("max-attempts", 0, "Maximum delivery attempts per notification")
	flags.Int("workers", 0, "Number of concurrent delivery workers")
	flags.Int("dedup-window", 0, "Number of recent (object, resourceVersion) pairs remembered for deduplication")
	flags.String("checkpoint-backend", "", "Where to persist the watch checkpoint: none, bolt or file")
	flags.String("checkpoint-path", "", "Path of the checkpoint database file or directory")
	flags.String("metrics-address", "", "Address of the /metrics endpoint (empty disables it)")
	flags.Bool("register", false, "Register the custom resource definition before watching")
	flags.String("definition-file", "", "YAML file with the definition to register (defaults to meetups.example.com)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	restConfig, err := kube.RESTConfig(cfg.Kubeconfig, cfg.Context)
	if err != nil {
		return err
	}
	clients, err := kube.NewClients(restConfig)
	if err != nil {
		return err
	}

	if cfg.Register.Enabled {
		def, err := loadDefinition(cfg.Register.DefinitionFile)
		if err != nil {
			return err
		}
		if err := registrar.New(clients.APIExtensions).Ensure(ctx, def); err != nil {
			return err
		}
	}

	if cfg.Metrics.Address != "" {
		srv := startMetricsServer(cfg.Metrics.Address)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	store, err := openStore(cfg.Checkpoint)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				klog.ErrorS(err, "Failed to close checkpoint store")
			}
		}()
	}

	sender, err := notifier.NewWebhookSender(cfg.Sink.URL, cfg.Sink.Timeout)
	if err != nil {
		return err
	}
	dispatcher := notifier.NewDispatcher(sender, notifier.Options{
		Workers:        cfg.Dispatch.Workers,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		RetryBaseDelay: cfg.Dispatch.RetryBaseDelay,
		RetryMaxDelay:  cfg.Dispatch.RetryMaxDelay,
		OnOutcome:      logOutcome,
	})

	deduplicator, err := dedup.New(cfg.Dedup.WindowSize)
	if err != nil {
		return err
	}

	gvr := cfg.Resource.GVR()
	session := informer.NewSession(clients.Dynamic, gvr, informer.Options{
		Kind:             cfg.Resource.Kind,
		Namespace:        cfg.Resource.Namespace,
		LabelSelector:    cfg.Resource.LabelSelector,
		FieldSelector:    cfg.Resource.FieldSelector,
		TimeoutSeconds:   cfg.Watch.TimeoutSeconds,
		IdleTimeout:      cfg.Watch.IdleTimeout,
		BackoffBase:      cfg.Watch.BackoffBase,
		BackoffCap:       cfg.Watch.BackoffCap,
		MaxRetryDuration: cfg.Watch.MaxRetryDuration,
	})

	klog.InfoS("Starting kube-notifier", "resource", gvr.String(), "namespace", cfg.Resource.Namespace, "checkpointBackend", cfg.Checkpoint.Backend)
	p := pipeline.New(pipeline.FromSession(session), deduplicator, dispatcher, store, pipeline.Options{
		CheckpointKey:       checkpoint.KeyFor(gvr, cfg.Resource.Namespace),
		CheckpointInterval:  cfg.Checkpoint.Interval,
		ShutdownGracePeriod: cfg.Dispatch.ShutdownGracePeriod,
	})
	return p.Run(ctx)
}

func logOutcome(o notifier.Outcome) {
	ref := o.Event.Ref
	switch o.Status {
	case notifier.Delivered:
		klog.V(2).InfoS("Notification delivered", "kind", ref.Kind, "namespace", ref.Namespace, "name", ref.Name, "resourceVersion", ref.ResourceVersion, "attempts", o.Attempts)
	default:
		klog.ErrorS(o.Err, "Notification not delivered", "status", o.Status, "kind", ref.Kind, "namespace", ref.Namespace, "name", ref.Name, "resourceVersion", ref.ResourceVersion, "attempts", o.Attempts)
	}
}

// startMetricsServer 在后台提供 /metrics 和 /healthz。
func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		klog.InfoS("Serving metrics", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.ErrorS(err, "Metrics server stopped")
		}
	}()
	return srv
}

// openStore 根据配置打开 checkpoint 存储。backend 为 none 时返回 nil。
func openStore(cfg config.CheckpointConfig) (checkpoint.Store, error) {
	switch cfg.Backend {
	case config.BackendBolt:
		// 另一个 kube-notifier 进程持有同一个数据库时快速失败
		store, err := checkpoint.OpenBoltStore(cfg.ResolvedPath(), time.Second)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendFile:
		store, err := checkpoint.NewFileStore(cfg.ResolvedPath())
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}
