// Command councild is the council deliberation daemon: it wires every
// collaborator (databases, LLM gateway, retriever, job runner, tool
// plugins, HTTP surface) from config.Load and serves the REST API named in
// spec §6. Grounded in the teacher's cmd/agentd/main.go startup sequence —
// load env, init logging, init otel, construct collaborators in dependency
// order, register routes, serve — generalized from one playground process
// to council's store/pipeline/jobs/kbwatch graph.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"council/internal/config"
	"council/internal/httpapi"
	"council/internal/jobs"
	"council/internal/kbwatch"
	"council/internal/kg"
	"council/internal/llm"
	"council/internal/observability"
	"council/internal/persistence/databases"
	"council/internal/pipeline"
	"council/internal/plugins"
	"council/internal/rag/retrieve"
	"council/internal/store"
	"council/internal/tools"
	"council/internal/tools/web"
	"council/internal/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		log.Fatal().Err(err).Msg("failed to load config")
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.InitOTel(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	dbManager, err := databases.NewManager(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init databases")
	}
	defer dbManager.Close()

	gw := llm.NewGateway(cfg.LLM)

	retriever := retrieve.New(dbManager, gw, retrieve.NewLLMReranker(gw))
	extractor := kg.New(gw)

	agents, err := store.NewAgentStore(cfg.DataPath+"/agents.json", cfg.LLM.ChairmanModel, cfg.LLM.TitleModel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open agent store")
	}
	settings, err := store.NewSettingsStore(cfg.DataPath + "/settings.json")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open settings store")
	}
	pluginDefaults := []string{"kb_index", "kg_extract", "web_search", "evidence_pack", "office_ingest", "paper_search"}
	pluginStore, err := store.NewPluginStore(cfg.DataPath+"/plugins.json", pluginDefaults)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open plugin store")
	}
	conversations := store.NewConversationStore(cfg.DataPath)

	jobStore, err := jobs.OpenStore(cfg.Jobs.SqlitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open job store")
	}
	defer jobStore.Close()
	runner := jobs.NewRunner(jobStore, cfg.Jobs.Workers)

	httpClient := observability.NewHTTPClient(nil)
	searchTool := web.NewTool("")
	fetchTool := web.NewFetchTool(dbManager.Search)

	registry := tools.NewRegistry()
	registry.Register(searchTool)
	registry.Register(fetchTool)

	documents, _ := dbManager.Search.(databases.DocumentStore)

	registerPlugin(runner, pluginStore, "kb_index", plugins.NewKBIndexHandler(retriever))
	registerPlugin(runner, pluginStore, "kg_extract", plugins.NewKGExtractHandler(extractor, dbManager.Graph))
	registerPlugin(runner, pluginStore, "web_search", plugins.NewWebSearchHandler(searchTool))
	registerPlugin(runner, pluginStore, "evidence_pack", plugins.NewEvidencePackHandler(searchTool, retriever))
	if documents != nil {
		registerPlugin(runner, pluginStore, "office_ingest", plugins.NewOfficeIngestHandler(documents, dbManager.Search, retriever, conversations))
	}
	registerPlugin(runner, pluginStore, "paper_search", plugins.NewPaperSearchHandler(httpClient, cfg.Tools.SerpAPIKey, false))

	traceSink := trace.NewSink(cfg.DataPath)
	defer traceSink.Close()

	deps := pipeline.Deps{
		Gateway: gw, Retriever: retriever, Extractor: extractor, Graph: dbManager.Graph,
		Documents: documents, Jobs: jobStore, Tools: registry, Agents: agents,
		Conversations: conversations, Trace: traceSink,
	}
	pl := pipeline.New(deps, searchTool)

	if err := runner.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start job runner")
	}
	defer runner.Stop()

	if cfg.Watch.Enabled && documents != nil {
		watcher := kbwatch.New(cfg.Watch.Dir, time.Duration(cfg.Watch.IntervalSeconds)*time.Second, documents, dbManager.Search, retriever)
		go watcher.Run(ctx)
	}

	srv := httpapi.NewServer(&httpapi.Server{
		Agents: agents, Settings: settings, Plugins: pluginStore, Conversations: conversations,
		Jobs: runner, JobStore: jobStore, Pipeline: pl, Gateway: gw, Documents: documents,
		Trace: traceSink, DataPath: cfg.DataPath, AuthToken: cfg.AuthToken,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: srv}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("councild listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

// registerPlugin wires a job handler only when its plugin config is
// enabled, matching the settings-gated startup the teacher uses for optional
// tool registrations.
func registerPlugin(runner *jobs.Runner, plugins *store.PluginStore, name string, handler jobs.Handler) {
	if !plugins.IsEnabled(name) {
		return
	}
	runner.RegisterHandler(name, handler)
}
