package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/idlenpu/internal/catalog"
	"github.com/roelfdiedericks/idlenpu/internal/config"
	"github.com/roelfdiedericks/idlenpu/internal/download"
	api "github.com/roelfdiedericks/idlenpu/internal/http"
	"github.com/roelfdiedericks/idlenpu/internal/hub"
	"github.com/roelfdiedericks/idlenpu/internal/i18n"
	"github.com/roelfdiedericks/idlenpu/internal/ipc"
	. "github.com/roelfdiedericks/idlenpu/internal/logging"
	"github.com/roelfdiedericks/idlenpu/internal/paths"
	"github.com/roelfdiedericks/idlenpu/internal/scanner"
	"github.com/roelfdiedericks/idlenpu/internal/session"
	"github.com/roelfdiedericks/idlenpu/internal/settings"
	"github.com/roelfdiedericks/idlenpu/internal/supervisor"
	"github.com/roelfdiedericks/idlenpu/internal/telemetry"
	"github.com/roelfdiedericks/idlenpu/internal/worker"
)

var cli struct {
	Serve   serveCmd   `cmd:"" default:"withargs" help:"Run the inference host."`
	Worker  workerCmd  `cmd:"" hidden:""`
	Fetch   fetchCmd   `cmd:"" hidden:""`
	Version versionCmd `cmd:"" help:"Print the version and exit."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("idlenpu"),
		kong.Description("Local OpenVINO inference host: chat and image generation on the machine's own NPU, GPU or CPU."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}

type serveCmd struct {
	Host      string `help:"Listen address (default IDLE_NPU_HOST or 127.0.0.1)."`
	Port      int    `help:"Listen port (default IDLE_NPU_PORT or 8000)."`
	DataDir   string `help:"Data directory override." type:"path"`
	StaticDir string `help:"Frontend assets directory (default DATA_DIR/static)." type:"path"`
	LogLevel  string `help:"Log level: trace, debug, info, warn, error." default:"info"`
}

func (c *serveCmd) Run() error {
	if c.DataDir != "" {
		os.Setenv(paths.EnvDataDir, c.DataDir)
	}

	p, err := paths.Resolve()
	if err != nil {
		return fmt.Errorf("resolve data directories: %w", err)
	}
	if err := p.Ensure(); err != nil {
		return fmt.Errorf("create data directories: %w", err)
	}

	Init(&Config{
		Level:      ParseLevel(c.LogLevel),
		ShowCaller: true,
		File:       p.BackendLog(),
	})
	defer Close()

	L_info("idlenpu %s starting", config.Version)
	if p.LoadErr != nil {
		L_warn("paths: overrides file ignored", "error", p.LoadErr)
	}
	L_debug("paths resolved", "data", p.DataDir, "models", p.ModelsDir)

	store, err := session.Open(p.SessionsDB)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	maint := session.NewMaintainer(store)
	if err := maint.Start(); err != nil {
		L_warn("session: maintenance disabled", "error", err)
	} else {
		defer maint.Stop()
	}

	models := scanner.NewService(p.ModelsDir, scanner.DefaultMaxDepth)
	if err := models.Start(); err != nil {
		L_warn("scanner: watcher disabled, listings may go stale", "error", err)
	}
	defer models.Stop()

	work := supervisor.New(p.DataDir, p.RuntimeLog())
	defer work.Shutdown()

	fetcher := download.New(p.DownloadCacheDir, p.ModelsDir)
	defer fetcher.Stop()

	npu := telemetry.NewNPUMonitor()
	defer npu.Stop()

	staticDir := c.StaticDir
	if staticDir == "" {
		staticDir = filepath.Join(p.DataDir, "static")
	}

	srv := api.NewServer(&api.ServerConfig{
		Host:      c.Host,
		Port:      c.Port,
		StaticDir: staticDir,
	}, api.Deps{
		Paths:    p,
		Store:    store,
		Worker:   work,
		Download: fetcher,
		Models:   models,
		Langs:    i18n.New(p.LangFile()),
		NPU:      npu,
		Resolver: &settings.Resolver{
			Schema: settings.LoadSchema(p.SettingsJSONFile(), p.SettingsTOMLFile()),
		},
		Catalog: catalog.Get(),
	})

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		L_info("signal received, shutting down", "signal", sig.String())
	case <-srv.ExitRequested():
		L_info("exit requested over the API")
	}

	SetShuttingDown()
	if err := srv.Stop(); err != nil {
		L_warn("http: shutdown", "error", err)
	}
	L_info("idlenpu stopped")
	return nil
}

// workerCmd is the hidden inference child. The supervisor spawns
// `idlenpu worker` and owns its stdin/stdout frame pipes; logs stay on
// stderr so the parent can tee them into the runtime log.
type workerCmd struct{}

func (workerCmd) Run() error {
	Init(&Config{Level: LevelInfo, ShowCaller: false})
	return worker.Run(os.Stdin, os.Stdout)
}

// fetchCmd is the hidden download child. The download supervisor spawns
// `idlenpu fetch --repo R --dest D --models M` and reads progress events
// from stdout.
type fetchCmd struct {
	Repo   string `help:"Model repository id." required:""`
	Dest   string `help:"Download cache directory." required:""`
	Models string `help:"Models root the finished snapshot installs into." required:""`
}

func (c *fetchCmd) Run() error {
	Init(&Config{Level: LevelInfo, ShowCaller: false})
	return download.Run(hub.NewClient(""), c.Repo, c.Dest, c.Models, ipc.NewWriter(os.Stdout))
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Printf("idlenpu %s\n", config.Version)
	return nil
}
