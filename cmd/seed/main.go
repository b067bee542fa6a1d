package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"chat-insights-batch/internal/application"
	"chat-insights-batch/internal/config"
	"chat-insights-batch/internal/domain/model"
	"chat-insights-batch/internal/infra/logging"

	"github.com/oklog/ulid/v2"
)

var questions = []string{
	"How many vacation days do I have left this year?",
	"Where can I download my last payslip?",
	"Is there a parking spot for visitors?",
	"How do I enrol in the health insurance plan?",
	"What is the expense limit for a client dinner?",
	"Can I work remotely from another country for two weeks?",
}

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	tenants := flag.String("tenants", "acme,globex", "comma-separated tenant ids to register")
	perTenant := flag.Int("sessions", 25, "sessions to submit per tenant")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	orch, err := application.New(ctx, cfg, logger, application.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("wire orchestrator")
	}
	defer orch.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, id := range strings.Split(*tenants, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := orch.Tenants.Register(ctx, id, id); err != nil {
			logger.Fatal().Err(err).Str("tenant_id", id).Msg("register tenant")
		}
		for i := 0; i < *perTenant; i++ {
			s := model.NewChatSession(strings.ToLower(ulid.Make().String()), id)
			q := questions[rng.Intn(len(questions))]
			s.AddMessage("user", q)
			s.AddMessage("assistant", "Let me check that for you.")
			if rng.Intn(3) == 0 {
				s.AddMessage("user", "Also, who should I contact if that does not work?")
			}
			if _, err := orch.Intake.Submit(ctx, s); err != nil {
				logger.Fatal().Err(err).Str("tenant_id", id).Msg("submit session")
			}
		}
		fmt.Printf("seeded tenant %s with %d sessions\n", id, *perTenant)
	}
}
