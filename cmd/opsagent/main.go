// opsagent is an LLM-driven operations assistant: it takes a natural-language
// instruction, plans shell commands against registered SSH assets, executes
// them, and reports back. It runs either as an HTTP service with streaming
// progress or as a one-shot CLI call.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opsagent/opsagent/internal/agent"
	"github.com/opsagent/opsagent/internal/config"
	"github.com/opsagent/opsagent/internal/core"
	"github.com/opsagent/opsagent/internal/llm"
	"github.com/opsagent/opsagent/internal/sshexec"
	"github.com/opsagent/opsagent/internal/store"
	"github.com/opsagent/opsagent/internal/tools"
	"github.com/opsagent/opsagent/internal/webserver"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	instruction := flag.String("run", "", "run one instruction and exit instead of serving")
	assetsFlag := flag.String("assets", "", "comma-separated asset names to restrict -run to")
	flag.Parse()

	if err := run(*configPath, *instruction, *assetsFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, instruction, assetsFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Printf("[MAIN] model=%s mode=%s endpoint=%s", cfg.LLM.Model, cfg.LLM.Mode, cfg.LLM.BaseURL)

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if len(cfg.Assets) > 0 {
		if err := db.SeedAssets(ctx, cfg.Assets); err != nil {
			return fmt.Errorf("seed assets: %w", err)
		}
	}

	client := llm.NewClient(cfg.LLM)
	runner := sshexec.New(time.Duration(cfg.CommandTimeoutSeconds) * time.Second)
	defer runner.Close()

	registry := &tools.Registry{
		Store:          db,
		Runner:         runner,
		ResultMaxRunes: cfg.ToolResultMaxRunes,
	}
	loop, err := agent.New(cfg, client, registry)
	if err != nil {
		return err
	}

	if instruction != "" {
		return runOnce(ctx, loop, instruction, assetsFlag)
	}

	srv := webserver.New(cfg.Listen, loop, db, runner)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Printf("[MAIN] received %s, shutting down", s)
		return nil
	}
}

// runOnce executes a single instruction with progress on stdout.
func runOnce(ctx context.Context, loop *agent.Loop, instruction, assetsFlag string) error {
	var allowed []string
	for _, name := range strings.Split(assetsFlag, ",") {
		if name = strings.TrimSpace(name); name != "" {
			allowed = append(allowed, name)
		}
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := loop.Run(ctx, agent.Request{
		Instruction:   instruction,
		AllowedAssets: allowed,
	}, consoleSink{})
	if err != nil {
		return err
	}
	if res.Reply != "" {
		fmt.Println(res.Reply)
	}
	return nil
}

// consoleSink prints streaming progress for one-shot runs.
type consoleSink struct{}

func (consoleSink) CommandStart(assetName, command string) {
	fmt.Printf(">> [%s] %s\n", assetName, command)
}

func (consoleSink) CommandResult(rec core.ExecutionRecord) {
	fmt.Printf("<< [%s] %s\n", rec.AssetName, rec.Result)
}

func (consoleSink) Reply(string) {} // printed by runOnce from the result
func (consoleSink) Error(msg string) {
	fmt.Fprintf(os.Stderr, "!! %s\n", msg)
}
