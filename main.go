package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
	llmx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/llm"
	memoryx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/memory"
	orchestratorx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/orchestrator"
	providersx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/providers"
	synthesisx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/synthesis"
	configx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/pkg/config"
	_ "github.com/tanpawarit/Relay-Multi-Agent-Assistant/pkg/logger/autoload"
	openrouterx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/pkg/openrouter"
	webhookx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/pkg/webhook"
)

type AppConfig struct {
	DataDir          string        `envconfig:"DATA_DIR" split_words:"true" default:"./data"`
	RedisAddr        string        `envconfig:"REDIS_ADDR" split_words:"true"`
	RedisPassword    string        `envconfig:"REDIS_PASSWORD" split_words:"true"`
	RedisDB          int           `envconfig:"REDIS_DB" split_words:"true" default:"0"`
	Topology         string        `envconfig:"TOPOLOGY" split_words:"true" default:"coordinator"`
	DefaultProvider  string        `envconfig:"DEFAULT_PROVIDER" split_words:"true" default:"memory-lookup"`
	SessionCap       int           `envconfig:"SESSION_CAP" split_words:"true" default:"50"`
	SummaryThreshold int           `envconfig:"SUMMARY_THRESHOLD" split_words:"true" default:"20"`
	TokenDelay       time.Duration `envconfig:"TOKEN_DELAY" split_words:"true" default:"15ms"`

	// Prompt runs one request at startup when set; handy for smoke tests.
	Prompt    string `envconfig:"PROMPT" split_words:"true"`
	SessionID string `envconfig:"SESSION_ID" split_words:"true" default:"local"`
	UserID    string `envconfig:"USER_ID" split_words:"true"`
}

func main() {
	appCfg := configx.MustNew[AppConfig]("RELAY")

	llmCfg := configx.MustNew[llmx.Config]("OPENROUTER")
	if err := llmCfg.Validate(); err != nil {
		panic(err)
	}

	plannerClient, err := openrouterx.NewClient(llmCfg.OpenRouterFor(llmx.RolePlanner))
	if err != nil {
		panic(err)
	}
	synthClient, err := openrouterx.NewClient(llmCfg.OpenRouterFor(llmx.RoleSynthesis))
	if err != nil {
		panic(err)
	}

	disk, err := memoryx.NewDiskStore(appCfg.DataDir)
	if err != nil {
		panic(err)
	}
	managerOpts := []memoryx.ManagerOption{
		memoryx.WithSessionCap(appCfg.SessionCap),
		memoryx.WithSummaryThreshold(appCfg.SummaryThreshold),
	}
	if appCfg.RedisAddr != "" {
		managerOpts = append(managerOpts,
			memoryx.WithKV(memoryx.NewKV(appCfg.RedisAddr, appCfg.RedisPassword, appCfg.RedisDB)))
	}
	store, err := memoryx.NewManager(disk, managerOpts...)
	if err != nil {
		panic(err)
	}

	registry, err := providersx.NewRegistry(providersx.NewMemoryLookup(store))
	if err != nil {
		panic(err)
	}
	if _, ok := registry.Get(appCfg.DefaultProvider); ok {
		if err := registry.SetDefault(appCfg.DefaultProvider); err != nil {
			panic(err)
		}
	}

	synth := synthesisx.New(synthClient,
		synthesisx.WithTimeout(llmCfg.Timeout),
		synthesisx.WithTokenDelay(appCfg.TokenDelay),
	)

	orch, err := orchestratorx.New(registry, synthClient, synth, store,
		orchestratorx.Config{
			Topology:        orchestratorx.Topology(appCfg.Topology),
			DefaultProvider: appCfg.DefaultProvider,
			PlannerTimeout:  llmCfg.Timeout,
		},
		orchestratorx.WithPlannerService(plannerClient),
	)
	if err != nil {
		panic(err)
	}

	webhookCfg := configx.MustNew[webhookx.Config]("WEBHOOK")
	var forwarder *webhookx.Publisher
	if webhookCfg.URL != "" {
		forwarder = webhookx.MustNew(*webhookCfg)
	}

	log.Info().Str("topology", appCfg.Topology).Msg("relay assistant ready")

	if appCfg.Prompt == "" {
		return
	}

	ctx := context.Background()
	events := orch.Subscribe(appCfg.SessionID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.Type == contractx.EventToken {
				fmt.Print(ev.Token, " ")
				continue
			}
			fmt.Printf("\n[%s] %s\n", ev.Type, ev.Message)
			if forwarder != nil {
				if err := forwarder.Publish(ctx, ev); err != nil {
					log.Warn().Err(err).Msg("webhook delivery failed")
				}
			}
		}
	}()

	result, err := orch.Run(ctx, contractx.RunRequest{
		SessionID: appCfg.SessionID,
		Prompt:    appCfg.Prompt,
		UserID:    appCfg.UserID,
		UseMemory: true,
	})
	<-done
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n%s\n", result.Summary)
}
