package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/xiy/chatmem/internal/admin"
	"github.com/xiy/chatmem/internal/analyze"
	"github.com/xiy/chatmem/internal/config"
	"github.com/xiy/chatmem/internal/embeddings"
	"github.com/xiy/chatmem/internal/importer"
	"github.com/xiy/chatmem/internal/janitor"
	"github.com/xiy/chatmem/internal/llm"
	"github.com/xiy/chatmem/internal/mcp"
	"github.com/xiy/chatmem/internal/memory"
	"github.com/xiy/chatmem/internal/prompt"
	"github.com/xiy/chatmem/internal/shortterm"
	"github.com/xiy/chatmem/internal/store"
)

var version = "dev"

var (
	configPath         string
	importConversation string
)

var rootCmd = &cobra.Command{
	Use:           "chatmem",
	Short:         "chatmem - conversational memory for chat agents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve memory tools over MCP stdio",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var importCmd = &cobra.Command{
	Use:   "import <raw_messages.jsonl>",
	Short: "Backfill long-term memory from a chat export",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Open the memory dashboard",
	Args:  cobra.NoArgs,
	RunE:  runAdmin,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <text>",
	Short: "Show how a message would be classified and prioritized",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAnalyze,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "chatmem", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/chatmem.yaml", "Path to YAML config")
	importCmd.Flags().StringVar(&importConversation, "conversation", "", "Conversation id for lines without channel_id")
	rootCmd.AddCommand(serveCmd, importCmd, adminCmd, analyzeCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// runtime is the long-lived state shared by serve and import.
type runtime struct {
	cfg      config.Config
	logger   *log.Logger
	store    *store.SQLiteStore
	embedder embeddings.Provider
	ltm      *memory.LongTerm
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	// stdout carries MCP frames, so logs go to stderr.
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: cfg.ServerName, ReportTimestamp: true})
	setLogLevel(logger, cfg.LogLevel)

	st, err := store.OpenSQLite(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger, store: st}

	var idx store.VectorIndex
	if cfg.LongTerm.VectorBackend == "chromem" {
		cx, err := store.OpenChromem(ctx, cfg.LongTerm.ChromemPath, st, logger.With("component", "vectors"))
		if err != nil {
			rt.close()
			return nil, err
		}
		idx = cx
	}

	if rt.embedder, err = embeddings.New(cfg.Embeddings, logger.With("component", "embeddings")); err != nil {
		rt.close()
		return nil, err
	}
	rt.ltm, err = memory.NewLongTerm(st, idx, rt.embedder, memory.LongTermOptions{
		Weights:       cfg.LongTerm.Weights,
		HalfLife:      cfg.RecencyHalfLife(),
		CandidatePool: cfg.LongTerm.CandidatePool,
		EmbedTimeout:  cfg.EmbedTimeout(),
	}, logger.With("component", "ltm"))
	if err != nil {
		rt.close()
		return nil, err
	}
	logger.Info("memory opened",
		"db", cfg.DBPath,
		"vectors", cfg.LongTerm.VectorBackend,
		"embeddings", cfg.Embeddings.Provider,
	)
	return rt, nil
}

func (rt *runtime) close() {
	switch e := rt.embedder.(type) {
	case *embeddings.Cached:
		e.Close()
	case io.Closer:
		_ = e.Close()
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("close store", "error", err)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger

	var (
		summarizer shortterm.Summarizer
		generator  memory.Generator
	)
	client, err := llm.New(llmOptions(cfg))
	if err != nil {
		logger.Warn("language model unavailable; using extractive summaries and disabling chat_respond", "error", err)
	} else {
		summarizer, generator = client, client
	}

	mgr, err := memory.NewManager(rt.ltm, managerOptions(cfg, summarizer), logger.With("component", "manager"))
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Warn("close manager", "error", err)
		}
	}()

	stopJanitor, err := janitor.Start(ctx, logger.With("component", "janitor"), cfg.Manager.SweepSchedule, mgr)
	if err != nil {
		return err
	}
	defer stopJanitor()

	srv, err := mcp.NewServer(cfg.ServerName, mcp.Deps{
		Conversations: mgr,
		Archive:       rt.ltm,
		Generator:     generator,
		Analyzer:      analyze.New(),
	}, logger.With("component", "mcp"), rt.store)
	if err != nil {
		return err
	}

	logger.Info("serving MCP over stdio", "agent", cfg.AgentID, "budget", cfg.Prompt.TokenBudget)
	return srv.Serve(ctx, os.Stdin, os.Stdout)
}

// llmOptions leaves the system prompt unset: the persona already opens every
// assembled prompt.
func llmOptions(cfg config.Config) llm.Options {
	return llm.Options{
		APIKey:    strings.TrimSpace(os.Getenv(cfg.LLM.APIKeyEnv)),
		BaseURL:   cfg.LLM.BaseURL,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	}
}

func managerOptions(cfg config.Config, summarizer shortterm.Summarizer) memory.ManagerOptions {
	return memory.ManagerOptions{
		Window: shortterm.Options{
			Capacity:         cfg.ShortTerm.Capacity,
			SummaryInterval:  cfg.ShortTerm.SummaryInterval,
			SummaryMaxLength: cfg.ShortTerm.SummaryMaxLength,
			Timeout:          cfg.SummaryTimeout(),
		},
		Summarizer: summarizer,
		Assembler: prompt.Assembler{
			Preamble:        cfg.Prompt.SystemPrompt,
			PreambleTokens:  cfg.Prompt.PreambleTokens,
			UtteranceTokens: cfg.Prompt.UtteranceTokens,
			MinBlockTokens:  cfg.Prompt.MinBlockTokens,
		},
		TokenBudget:   cfg.Prompt.TokenBudget,
		RecentWeights: cfg.LongTerm.RecentContextWeights,
		AgentID:       cfg.AgentID,
		AgentDisplay:  cfg.ServerName,
		QueueSize:     cfg.Manager.QueueSize,
		IndexWorkers:  cfg.LongTerm.IndexWorkers,
		IdleAfter:     cfg.IdleAfter(),
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open export: %w", err)
	}
	defer f.Close()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	opts := importer.Options{Workers: rt.cfg.LongTerm.IndexWorkers, Conversation: importConversation}
	res, err := importer.New(rt.ltm, opts, rt.logger.With("component", "import")).Run(ctx, f)
	if printErr := printJSON(cmd.OutOrStdout(), res); printErr != nil && err == nil {
		err = printErr
	}
	return err
}

func runAdmin(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The dashboard owns the terminal; keep the store quiet.
	st, err := store.OpenSQLite(ctx, cfg.DBPath, log.NewWithOptions(io.Discard, log.Options{}))
	if err != nil {
		return err
	}
	defer st.Close()
	return admin.Run(ctx, st)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	a := analyze.New().Analyze(text)
	p := prompt.Prioritize(a)
	return printJSON(cmd.OutOrStdout(), map[string]any{
		"text":        text,
		"analysis":    a,
		"priority":    p,
		"primary":     p.Primary(),
		"excerpt_cap": prompt.ExcerptCap(p),
	})
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setLogLevel(logger *log.Logger, level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}
