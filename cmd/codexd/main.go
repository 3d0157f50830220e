package main

import (
	"context"
	"fmt"
	"os"

	"github.com/deepnoodle-ai/wonton/cli"
	"github.com/fatih/color"

	"github.com/deepnoodle-ai/codexd/config"
	"github.com/deepnoodle-ai/codexd/conversations"
	"github.com/deepnoodle-ai/codexd/llm"
	"github.com/deepnoodle-ai/codexd/mcpserver"
	"github.com/deepnoodle-ai/codexd/slogger"
)

func main() {
	app := cli.New("codexd").
		Description("Codex conversation manager served over MCP (stdio)").
		Version(config.CLIVersion)

	app.Main().
		Flags(
			cli.String("codex-home", "").
				Env("CODEX_HOME").
				Help("Root directory for rollouts and configuration (defaults to ~/.codex)"),
			cli.String("cwd", "").
				Default("").
				Help("Working directory recorded for new sessions (defaults to the process cwd)"),
			cli.String("log-level", "l").
				Default("info").
				Help("Log level to use (debug, info, warn, error)"),
		).
		Run(runServe)

	if err := app.Execute(); err != nil {
		if cli.IsHelpRequested(err) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}

func runServe(ctx *cli.Context) error {
	logger := slogger.New(slogger.LevelFromString(ctx.String("log-level")))

	cfg, err := config.Load(config.Overrides{
		CodexHome: ctx.String("codex-home"),
		Cwd:       ctx.String("cwd"),
	})
	if err != nil {
		return err
	}

	manager := conversations.NewManager(conversations.ManagerOptions{
		Completer: llm.EchoCompleter{},
		Logger:    logger,
	})
	server := mcpserver.NewServer(mcpserver.ServerOptions{
		Manager: manager,
		Config:  cfg,
		Logger:  logger,
	})

	banner := color.New(color.FgCyan)
	banner.Fprintf(os.Stderr, "codexd %s serving MCP on stdio (home: %s)\n", config.CLIVersion, cfg.CodexHome)

	return server.Serve(context.Background())
}
