package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	convo "github.com/loreleaf/convo"
	"github.com/loreleaf/convo/internal/config"
	"github.com/loreleaf/convo/observer"
	"github.com/loreleaf/convo/provider/openaicompat"
	"github.com/loreleaf/convo/store/postgres"
	"github.com/loreleaf/convo/store/sqlite"
)

func main() {
	ctx := context.Background()

	// 1. Load and validate config
	cfg := config.Load(os.Getenv("CONVO_CONFIG"))
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. Observability (optional)
	var tracer convo.Tracer
	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
	}

	// 3. Store
	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}

	// 4. Provider with transport retry
	llm := convo.WithRetry(
		openaicompat.New(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL,
			openaicompat.WithName(cfg.LLM.Name),
			openaicompat.WithLogger(logger)),
		convo.RetryLogger(logger))

	// 5. Tools
	registry := convo.NewToolRegistry()
	registry.Register(convo.ToolDefinition{
		Name:        "current_time",
		Description: "Returns the current date and time in UTC.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
	}, func(ctx context.Context, inv convo.Invocation, c *convo.Conversation, complete convo.CompletionFunc) (any, error) {
		return map[string]any{"time": time.Now().UTC().Format(time.RFC3339)}, nil
	})

	// 6. Conversation + orchestrator
	convOpts := []convo.ConversationOption{
		convo.WithSummaryProvider(llm),
		convo.WithLogger(logger),
		convo.WithResultCap(cfg.Context.ResultCap),
	}
	if cfg.Context.UserWindow >= 0 {
		convOpts = append(convOpts, convo.WithUserWindow(cfg.Context.UserWindow))
	}
	if cfg.Summary.Keep > 0 {
		convOpts = append(convOpts, convo.WithSummaryKeep(cfg.Summary.Keep))
	}
	if cfg.Agent.PseudoTools {
		convOpts = append(convOpts, convo.WithPseudoToolCalls())
	}
	if tracer != nil {
		convOpts = append(convOpts, convo.WithConversationTracer(tracer))
	}

	conversationID := os.Getenv("CONVO_CONVERSATION_ID")
	if conversationID == "" {
		conversationID = "default"
	}
	conv := convo.New(ctx, cfg.Agent.Persona, cfg.Agent.Instructions,
		registry.Definitions(), registry, conversationID, store, convOpts...)

	orchOpts := []convo.OrchestratorOption{
		convo.WithMaxTokens(cfg.Agent.MaxTokens),
		convo.WithOrchestratorLogger(logger),
	}
	if tracer != nil {
		orchOpts = append(orchOpts, convo.WithOrchestratorTracer(tracer))
	}
	orch := convo.NewOrchestrator(llm, orchOpts...)

	// 7. REPL
	fmt.Println("convo ready. Type a message, /summarize to fold history, /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/summarize":
			if err := conv.SummarizeSince(ctx, time.Now(), ""); err != nil {
				fmt.Fprintln(os.Stderr, "summarize:", err)
			}
			continue
		}

		if err := conv.BeginTurn(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		conv.Add(ctx, convo.RoleUser, "user", line)
		answer, err := orch.Run(ctx, conv, cfg.Agent.SequenceLimit)
		conv.EndTurn()
		if err != nil {
			fmt.Fprintln(os.Stderr, "turn failed:", err)
			continue
		}
		fmt.Println(answer)
	}
	if err := scanner.Err(); err != nil {
		log.Fatal(err)
	}
}

// openStore builds the configured store backend and a cleanup function that
// releases whatever the backend owns.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (convo.Store, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		s := postgres.New(pool, postgres.WithLogger(logger))
		return s, pool.Close, nil
	default:
		s := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		return s, func() { _ = s.Close() }, nil
	}
}
