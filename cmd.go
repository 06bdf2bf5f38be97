package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/pypi-gateway/internal/cache"
	"github.com/any-hub/pypi-gateway/internal/config"
	"github.com/any-hub/pypi-gateway/internal/gateway"
	"github.com/any-hub/pypi-gateway/internal/logging"
	"github.com/any-hub/pypi-gateway/internal/mirror"
	"github.com/any-hub/pypi-gateway/internal/server"
	"github.com/any-hub/pypi-gateway/internal/server/routes"
	"github.com/any-hub/pypi-gateway/internal/version"
)

// configEnv 可覆盖默认配置路径，--config 优先级更高。
const configEnv = "PYPI_GATEWAY_CONFIG"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath string
	skipSync   bool
}

// execute 解析参数并执行子命令，返回进程退出码。
func execute(args []string) int {
	exitCode := 0
	opts := &cliOptions{}
	var configFlag string

	root := &cobra.Command{
		Use:           version.Name,
		Short:         "Local PyPI mirror serving a fixed set of verified files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.configPath = resolveConfigPath(configFlag)
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "同步缓存后启动 HTTP 服务",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			exitCode = runServe(*opts)
		},
	}
	serveCmd.Flags().BoolVar(&opts.skipSync, "skip-sync", false, "跳过启动前的缓存同步，直接服务已有缓存")

	root.AddCommand(
		serveCmd,
		&cobra.Command{
			Use:   "sync",
			Short: "只构建缓存，不启动服务",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				exitCode = runSync(*opts)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "仅校验配置后退出",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				exitCode = runCheckConfig(*opts)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "显示版本信息",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				printVersion()
			},
		},
	)

	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stdErr, "解析参数失败: %v\n", err)
		return 2
	}
	return exitCode
}

// resolveConfigPath 结合 flag 与环境变量计算最终的配置路径。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return "config.toml"
}

// runtimeDeps 是各子命令共享的启动产物。
type runtimeDeps struct {
	cfg      *config.Config
	logger   *logrus.Logger
	files    cache.Store
	metadata cache.Store
}

// loadRuntime 遵循“配置 → 日志”顺序，失败时写 stderr 并返回 false。
func loadRuntime(opts cliOptions) (*runtimeDeps, bool) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return nil, false
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return nil, false
	}
	return &runtimeDeps{cfg: cfg, logger: logger}, true
}

// bootstrap 在 loadRuntime 基础上打开两个缓存目录。
func bootstrap(opts cliOptions) (*runtimeDeps, bool) {
	deps, ok := loadRuntime(opts)
	if !ok {
		return nil, false
	}

	var err error
	if deps.files, err = cache.NewStore(deps.cfg.Global.FileDir); err != nil {
		fmt.Fprintf(stdErr, "初始化文件缓存目录失败: %v\n", err)
		return nil, false
	}
	if deps.metadata, err = cache.NewStore(deps.cfg.Global.JSONDir); err != nil {
		fmt.Fprintf(stdErr, "初始化元数据缓存目录失败: %v\n", err)
		return nil, false
	}
	return deps, true
}

func runCheckConfig(opts cliOptions) int {
	deps, ok := loadRuntime(opts)
	if !ok {
		return 1
	}
	fields := logging.BaseFields("check_config", opts.configPath)
	fields["packages"] = len(deps.cfg.Packages)
	fields["specs"] = deps.cfg.SpecCount()
	fields["result"] = "ok"
	deps.logger.WithFields(fields).Info("配置校验通过")
	return 0
}

func runSync(opts cliOptions) int {
	deps, ok := bootstrap(opts)
	if !ok {
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := syncCaches(ctx, deps, opts); err != nil {
		fmt.Fprintf(stdErr, "同步缓存失败: %v\n", err)
		return 1
	}
	return 0
}

func runServe(opts cliOptions) int {
	deps, ok := bootstrap(opts)
	if !ok {
		return 1
	}

	if !opts.skipSync {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err := syncCaches(ctx, deps, opts)
		stop()
		if err != nil {
			fmt.Fprintf(stdErr, "同步缓存失败: %v\n", err)
			return 1
		}
	}

	if err := startHTTPServer(deps, opts); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// syncCaches 运行一次完整的镜像构建；进度条输出到 stderr。
func syncCaches(ctx context.Context, deps *runtimeDeps, opts cliOptions) error {
	cfg := deps.cfg
	index := server.NewIndexClient(cfg, deps.logger)
	fields := logging.BaseFields("sync_start", opts.configPath)
	fields["packages"] = len(cfg.Packages)
	fields["specs"] = cfg.SpecCount()
	fields["index_url"] = index.BaseURL()
	fields["max_workers"] = cfg.Global.MaxWorkers
	deps.logger.WithFields(fields).Info("开始同步缓存")

	builder := mirror.NewBuilder(
		index,
		deps.files,
		deps.metadata,
		deps.logger,
		mirror.Options{MaxWorkers: cfg.Global.MaxWorkers, Progress: stdErr},
	)
	if err := builder.EnsurePackages(ctx, cfg.Packages); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("同步被中断: %w", err)
		}
		return err
	}
	return nil
}

func startHTTPServer(deps *runtimeDeps, opts cliOptions) error {
	cfg := deps.cfg
	reader := gateway.NewReader(cfg, deps.files, deps.metadata, deps.logger)

	app, err := server.NewApp(server.AppOptions{
		Logger:         deps.logger,
		Reader:         reader,
		LegacyReleases: cfg.Global.LegacyReleases,
		ListenPort:     cfg.Global.ListenPort,
	})
	if err != nil {
		return err
	}
	routes.RegisterPackageRoutes(app, reader)

	fields := logging.BaseFields("listen", opts.configPath)
	fields["port"] = cfg.Global.ListenPort
	fields["packages"] = len(cfg.Packages)
	fields["version"] = version.Full()
	deps.logger.WithFields(fields).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", cfg.Global.ListenPort))
}
