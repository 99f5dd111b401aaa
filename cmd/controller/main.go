package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"

	"github.com/EthDevOps/k8s-service-trigger/internal/classifier"
	"github.com/EthDevOps/k8s-service-trigger/internal/config"
	internalcontroller "github.com/EthDevOps/k8s-service-trigger/internal/controller"
	"github.com/EthDevOps/k8s-service-trigger/internal/debounce"
	"github.com/EthDevOps/k8s-service-trigger/internal/notifier"
	"github.com/EthDevOps/k8s-service-trigger/internal/watcher"
)

type options struct {
	metricsAddr string
	configPath  string

	githubRepo   string
	workflowFile string
	workflowRef  string
	githubAPIURL string
	githubToken  string
	tenant       string
	project      string

	debounceWindow    time.Duration
	retryBound        int
	attemptTimeout    time.Duration
	backoffBase       time.Duration
	backoffCap        time.Duration
	livenessTimeout   time.Duration
	reconnectBase     time.Duration
	reconnectCap      time.Duration
	triggersPerMinute int
	watchedAttributes []string
}

func main() {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "service-trigger",
		Short:        "Watches LoadBalancer Services and triggers a GitHub Actions workflow on significant changes",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.metricsAddr, "metrics-bind-address", ":8080", "The address the metric and health endpoints bind to.")
	fs.StringVar(&opts.configPath, "config", "", "Path to an optional YAML config file (watched attributes, tenant/project overrides).")
	fs.StringVar(&opts.githubRepo, "github-repo", "", "GitHub repository (owner/name) carrying the workflow.")
	fs.StringVar(&opts.workflowFile, "workflow-file", "", "Workflow file name to dispatch, e.g. deploy.yml.")
	fs.StringVar(&opts.workflowRef, "workflow-ref", "main", "Git ref the workflow runs against.")
	fs.StringVar(&opts.githubAPIURL, "github-api-url", "", "GitHub API base URL override (GitHub Enterprise).")
	fs.StringVar(&opts.githubToken, "github-token", "", "GitHub bearer token. Overridden by GITHUB_TOKEN env var if set.")
	fs.StringVar(&opts.tenant, "tenant", "", "Tenant identifier forwarded as a workflow input.")
	fs.StringVar(&opts.project, "project", "", "Project identifier forwarded as a workflow input. Empty means the Service name.")
	fs.DurationVar(&opts.debounceWindow, "debounce-window", debounce.DefaultHorizon, "Minimum time between triggers for the same logical change.")
	fs.IntVar(&opts.retryBound, "retry-bound", 4, "Maximum retries after the first dispatch attempt.")
	fs.DurationVar(&opts.attemptTimeout, "dispatch-timeout", 10*time.Second, "Timeout for each workflow_dispatch HTTP attempt.")
	fs.DurationVar(&opts.backoffBase, "dispatch-backoff-base", 500*time.Millisecond, "Base delay between dispatch retries.")
	fs.DurationVar(&opts.backoffCap, "dispatch-backoff-cap", 30*time.Second, "Maximum delay between dispatch retries.")
	fs.DurationVar(&opts.livenessTimeout, "watch-liveness-timeout", 5*time.Minute, "Force a watch reconnect when no notification arrives for this long.")
	fs.DurationVar(&opts.reconnectBase, "reconnect-backoff-base", time.Second, "Base delay between failed watch reopen attempts.")
	fs.DurationVar(&opts.reconnectCap, "reconnect-backoff-cap", time.Minute, "Maximum delay between failed watch reopen attempts.")
	fs.IntVar(&opts.triggersPerMinute, "triggers-per-minute", 30, "Global rate limit on workflow triggers.")
	fs.StringSliceVar(&opts.watchedAttributes, "watched-attributes", nil, "Service attributes whose changes are significant (external-address, ports, external-traffic-policy, cluster-ip).")

	ctx := ctrl.SetupSignalHandler()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	// Environment variable override for the token (allows Secret mounting).
	if envToken := os.Getenv("GITHUB_TOKEN"); envToken != "" {
		opts.githubToken = envToken
	}

	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := logConfig.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	fileCfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.Error("Failed to load config file", zap.Error(err))
		return err
	}
	attrs, err := watchedAttributes(opts, fileCfg)
	if err != nil {
		logger.Error("Invalid watched attribute set", zap.Error(err))
		return err
	}
	tenant := opts.tenant
	if fileCfg.Tenant != "" {
		tenant = fileCfg.Tenant
	}
	project := opts.project
	if fileCfg.Project != "" {
		project = fileCfg.Project
	}

	logger.Info("Starting service-trigger",
		zap.String("version", "dev"),
		zap.String("github_repo", opts.githubRepo),
		zap.String("workflow_file", opts.workflowFile),
		zap.String("workflow_ref", opts.workflowRef),
		zap.String("tenant", tenant),
		zap.Duration("debounce_window", opts.debounceWindow),
		zap.Int("retry_bound", opts.retryBound),
	)
	if opts.githubAPIURL != "" {
		logger.Info("Using GitHub API override", zap.String("url", notifier.RedactURL(opts.githubAPIURL)))
	}

	restCfg, err := kubeConfig()
	if err != nil {
		logger.Error("Failed to load Kubernetes config", zap.Error(err))
		return err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		logger.Error("Failed to create clientset", zap.Error(err))
		return err
	}

	dispatcher, err := notifier.NewGitHubDispatcher(logger, notifier.GitHubDispatcherConfig{
		Repo:           opts.githubRepo,
		WorkflowFile:   opts.workflowFile,
		Ref:            opts.workflowRef,
		Token:          opts.githubToken,
		APIBaseURL:     opts.githubAPIURL,
		MaxRetries:     opts.retryBound,
		AttemptTimeout: opts.attemptTimeout,
		BackoffBase:    opts.backoffBase,
		BackoffCap:     opts.backoffCap,
	})
	if err != nil {
		logger.Error("Failed to create workflow dispatcher", zap.Error(err))
		return err
	}

	source := watcher.NewSource(clientset, logger, watcher.SourceOptions{
		LivenessTimeout: opts.livenessTimeout,
	})
	cls := classifier.New(logger, classifier.Options{
		Tenant:     tenant,
		Project:    project,
		Attributes: attrs,
	})
	window := debounce.New(opts.debounceWindow)
	window.StartSweep(ctx, 5*time.Minute)

	orch := internalcontroller.New(
		logger,
		internalcontroller.SourceFunc(func(ctx context.Context, token string) (internalcontroller.Stream, error) {
			return source.Open(ctx, token)
		}),
		cls,
		window,
		dispatcher,
		internalcontroller.Options{
			ReconnectBackoffBase: opts.reconnectBase,
			ReconnectBackoffCap:  opts.reconnectCap,
			TriggersPerMinute:    opts.triggersPerMinute,
		},
	)

	srv := metricsServer(opts.metricsAddr, orch)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := orch.Run(ctx); err != nil {
		logger.Error("Orchestrator exited with error", zap.Error(err))
		return err
	}
	return nil
}

// kubeConfig loads the in-cluster config, falling back to the local
// kubeconfig for development.
func kubeConfig() (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		return cfg, nil
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		clientcmd.NewDefaultClientConfigLoadingRules(),
		&clientcmd.ConfigOverrides{},
	).ClientConfig()
}

// metricsServer serves /metrics plus health probes. Readiness reflects the
// orchestrator having reached Watching at least once.
func metricsServer(addr string, orch *internalcontroller.Orchestrator) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", http.StripPrefix("/healthz", &healthz.Handler{
		Checks: map[string]healthz.Checker{"ping": healthz.Ping},
	}))
	mux.Handle("/readyz", http.StripPrefix("/readyz", &healthz.Handler{
		Checks: map[string]healthz.Checker{
			"watching": func(_ *http.Request) error {
				if !orch.Ready() {
					return errors.New("watch not yet established")
				}
				return nil
			},
		},
	}))
	return &http.Server{Addr: addr, Handler: mux}
}

// watchedAttributes resolves the attribute set: flag wins over config file;
// both empty means the classifier default.
func watchedAttributes(opts *options, fileCfg *config.File) ([]classifier.Attribute, error) {
	if len(opts.watchedAttributes) > 0 {
		attrs := make([]classifier.Attribute, 0, len(opts.watchedAttributes))
		for _, name := range opts.watchedAttributes {
			attr, ok := classifier.ParseAttribute(name)
			if !ok {
				return nil, errors.New("unknown watched attribute " + name)
			}
			attrs = append(attrs, attr)
		}
		return attrs, nil
	}
	return fileCfg.Attributes()
}
