// Package main is the llm-relay command: it serves the admin API, lists the
// configured (provider, model) pairs, and runs one-off prompts through the
// fallback orchestrator.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/nghyane/llm-relay/internal/api"
	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/json"
	"github.com/nghyane/llm-relay/internal/logging"
	log "github.com/nghyane/llm-relay/internal/logging"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/nghyane/llm-relay/internal/service"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "$XDG_CONFIG_HOME/llm-relay/config.yaml"
)

func init() {
	logging.SetupBaseLogger()
}

const usageText = `Usage: llm-relay [flags] [command]

Commands:
  serve                      run the relay and its admin API (default)
  list-models                print every configured (provider, model) pair
  execute <model> <prompt>   run one prompt through the fallback chain

Flags:
`

func main() {
	var (
		configPath   string
		initConfig   bool
		forceInit    bool
		debug        bool
		showVersion  bool
		providerTag  string
		streamOutput bool
		tenantID     string
		idleShutdown time.Duration
	)

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&initConfig, "init", false, "Initialize config and generate management key")
	flag.BoolVar(&forceInit, "force", false, "Force regenerate management key (use with --init)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&providerTag, "provider", "", "Pin execute to one provider tag")
	flag.BoolVar(&streamOutput, "stream", false, "Stream partial outputs (execute)")
	flag.StringVar(&tenantID, "tenant", "", "Tenant id recorded on usage records (execute)")
	flag.DurationVar(&idleShutdown, "idle-shutdown", 0, "Stop serving when /keep-alive is not called within this window")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("llm-relay Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)
		return
	}

	configPath = config.ExpandPath(configPath)

	if initConfig {
		doInitConfig(configPath, forceInit)
		return
	}

	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, fs.ErrNotExist) {
			log.Warnf("failed to load .env file: %v", errLoad)
		}
	}

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if debug {
		cfg.Debug = true
	}
	logging.SetDebug(cfg.Debug)
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		err = doServe(ctx, cfg, configPath, idleShutdown, stop)
	case "list-models":
		err = doListModels(cfg)
	case "execute":
		if len(args) < 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = doExecute(ctx, cfg, executeRequest{
			model:    args[0],
			prompt:   strings.Join(args[1:], " "),
			provider: providerTag,
			tenant:   tenantID,
			stream:   streamOutput,
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		stop()
		log.Fatalf("%s: %v", command, err)
	}
}

func doServe(ctx context.Context, cfg *config.Config, configPath string, idle time.Duration, cancel context.CancelFunc) error {
	log.Infof("llm-relay Version: %s, Commit: %s, BuiltAt: %s", Version, Commit, BuildDate)

	builder := service.NewBuilder().WithConfig(cfg)
	if fileExists(configPath) {
		builder = builder.WithConfigPath(configPath)
	} else {
		log.Infof("no config at %s, running with defaults and environment credentials", configPath)
	}
	if idle > 0 {
		builder = builder.WithServerOptions(api.WithKeepAliveEndpoint(idle, func() {
			log.Warnf("no keep-alive within %s, shutting down", idle)
			cancel()
		}))
	}

	svc, err := builder.Build()
	if err != nil {
		return err
	}
	if err = svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func doListModels(cfg *config.Config) error {
	svc, err := service.NewBuilder().WithConfig(cfg).Build()
	if err != nil {
		return err
	}
	defer shutdown(svc)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tUPSTREAM")
	for _, p := range svc.Manager().Factory().ListAllProviderModelPairs() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Provider, p.Model, p.UpstreamModel)
	}
	for _, d := range cfg.Disabled {
		fmt.Fprintf(tw, "%s\t-\tdisabled: %s\n", d.Tag, d.Reason)
	}
	return tw.Flush()
}

type executeRequest struct {
	model    string
	prompt   string
	provider string
	tenant   string
	stream   bool
}

func doExecute(ctx context.Context, cfg *config.Config, req executeRequest) error {
	var explicit provider.Tag
	if req.provider != "" {
		tag, err := provider.ParseTag(req.provider)
		if err != nil {
			return err
		}
		explicit = tag
	}

	svc, err := service.NewBuilder().WithConfig(cfg).Build()
	if err != nil {
		return err
	}
	defer shutdown(svc)
	if err = svc.Start(ctx); err != nil {
		return err
	}

	opts := provider.Options{Model: req.model, TenantID: req.tenant}
	messages := []provider.Message{{Role: provider.RoleUser, Text: req.prompt}}

	if !req.stream {
		out, errExec := svc.Manager().Execute(ctx, req.model, opts, messages, explicit)
		if errExec != nil {
			return errExec
		}
		return printOutput(out)
	}

	ch, err := svc.Manager().ExecuteStream(ctx, req.model, opts, messages, explicit)
	if err != nil {
		return err
	}
	var printed int
	for chunk := range ch {
		if chunk.Err != nil {
			fmt.Println()
			return chunk.Err
		}
		if chunk.Final {
			fmt.Println()
			return printOutput(chunk.Output)
		}
		// Partials carry the accumulated text; print only the new suffix.
		if text := chunk.Output.Text; len(text) > printed {
			fmt.Print(text[printed:])
			printed = len(text)
		}
	}
	return fmt.Errorf("stream ended without a final output")
}

func printOutput(out provider.Output) error {
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func shutdown(svc *service.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
}

// doInitConfig creates the config when missing and prints the management
// key, regenerating it with force.
func doInitConfig(configPath string, force bool) {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Fatalf("Failed to create directory: %v", err)
	}
	if !fileExists(configPath) {
		if err := os.WriteFile(configPath, config.GenerateDefaultConfigYAML(), 0o600); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Created: %s\n", configPath)
	}

	credPath := config.CredentialsFilePath()
	if !force {
		key, created, err := config.EnsureManagementKey()
		if err != nil {
			log.Fatalf("Failed to create credentials: %v", err)
		}
		if created {
			fmt.Println("Generated management key:")
			fmt.Printf("  %s\n", key)
		} else {
			fmt.Printf("Management key: %s\n", key)
			fmt.Println("Use --init --force to regenerate")
		}
		fmt.Printf("Location: %s\n", credPath)
		return
	}

	key, err := config.RotateManagementKey()
	if err != nil {
		log.Fatalf("Failed to regenerate management key: %v", err)
	}
	fmt.Println("Regenerated management key:")
	fmt.Printf("  %s\n", key)
	fmt.Printf("Location: %s\n", credPath)
	if os.Getenv(config.ManagementKeyEnv) != "" {
		fmt.Printf("Note: %s is set and overrides the stored key\n", config.ManagementKeyEnv)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
