package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planline/internal/config"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/jobs"
	"planline/internal/llm"
	"planline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Planline CLI",
	Long: `Planline turns a business context into a full program plan by running a
panel of specialist agents through configured planning rounds, then curating
what they learned into reusable knowledge.
Core concepts:
- Agents: personas (coordinator, architecture, delivery, finance, ...) defined
  in planline.yml; each round names who participates.
- Rounds: ordered discussion phases; the coordinator synthesizes each one into
  decisions and plan updates.
- Program: workstreams, timeline, resources, risks, and financials assembled
  from the synthesis blocks (with sensible defaults when agents stay vague).
- Knowledge ledger: verified/contested/rejected emissions extracted from the
  conversation, stamped with provenance.
- Jobs: 'pl serve' exposes the same generation as async HTTP jobs with
  progress, an event log, and webhooks.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("llm-api-key", "", "LLM API key (or PLANLINE_LLM_API_KEY)")
	rootCmd.PersistentFlags().String("llm-model", "", "LLM model override")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("llm-api-key", rootCmd.PersistentFlags().Lookup("llm-api-key"))
	_ = viper.BindPFlag("llm-model", rootCmd.PersistentFlags().Lookup("llm-model"))
}

func registerCommands() {
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(roundsCmd())
	rootCmd.AddCommand(tokenCmd())
}

func generateCmd() *cobra.Command {
	var (
		name, bizType, scale, description, industry string
		keywords, regulations                       []string
		budget                                      float64
		deadline, session                           string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a program plan synchronously",
		RunE: func(cmd *cobra.Command, args []string) error {
			input := domain.GeneratorInput{
				BusinessContext: domain.BusinessContext{
					Name:        name,
					Type:        bizType,
					Scale:       scale,
					Description: description,
					Industry:    industry,
					Keywords:    keywords,
				},
				SessionID: session,
			}
			if cmd.Flags().Changed("budget") || cmd.Flags().Changed("deadline") || len(regulations) > 0 {
				c := &domain.Constraints{Regulations: regulations}
				if cmd.Flags().Changed("budget") {
					c.Budget = &budget
				}
				if deadline != "" {
					c.Deadline = &deadline
				}
				input.Constraints = c
			}
			return withManager(func(m *jobs.Manager) error {
				out, err := m.Generate(cmd.Context(), input)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				printProgram(out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "business name")
	cmd.Flags().StringVar(&bizType, "type", "", "business type")
	cmd.Flags().StringVar(&scale, "scale", "smb", "business scale (smb, mid_market, enterprise)")
	cmd.Flags().StringVar(&description, "description", "", "business description")
	cmd.Flags().StringVar(&industry, "industry", "", "industry")
	cmd.Flags().StringArrayVar(&keywords, "keyword", []string{}, "business keyword (repeatable)")
	cmd.Flags().Float64Var(&budget, "budget", 0, "budget cap")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	cmd.Flags().StringArrayVar(&regulations, "regulation", []string{}, "applicable regulation (repeatable)")
	cmd.Flags().StringVar(&session, "session", "", "session id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			eventLog := events.NewLog()
			m := jobs.NewManager(newCompleter(), cfg, eventLog)
			authCfg := server.AuthConfig{
				JWTSecret: cfg.Server.JWTSecret,
				APIKeys:   cfg.Server.APIKeys,
			}
			if secret := viper.GetString("jwt-secret"); secret != "" {
				authCfg.JWTSecret = secret
			}
			handler, err := server.New(server.Config{
				Manager:  m,
				Events:   eventLog,
				Webhooks: cfg.Server.Webhooks,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Planline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage planline.yml",
		Long:  "Config defines the service identity, agent personas, planning rounds, and server auth/webhooks. 'pl config init' writes the built-in catalog of 8 agents and 7 rounds.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var serviceName string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default planline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(serviceName)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&serviceName, "service-name", "planline", "service name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List configured agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Agents)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Role", "Goal"})
			for id, agent := range cfg.Agents {
				tw.AppendRow(table.Row{id, agent.Role, agent.Goal})
			}
			tw.SortBy([]table.SortBy{{Name: "ID", Mode: table.Asc}})
			tw.Render()
			return nil
		},
	}
	return cmd
}

func roundsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rounds",
		Short: "List configured planning rounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Rounds)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Name", "Participants", "Outputs"})
			for _, round := range cfg.Rounds {
				tw.AppendRow(table.Row{
					round.Round,
					round.Name,
					strings.Join(round.ParticipatingAgents, ", "),
					strings.Join(round.Outputs, ", "),
				})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := cfg.Server.JWTSecret
			if env := viper.GetString("jwt-secret"); env != "" {
				secret = env
			}
			token, err := server.SignToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func withManager(fn func(*jobs.Manager) error) error {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	m := jobs.NewManager(newCompleter(), cfg, events.NewLog())
	return fn(m)
}

func newCompleter() llm.Completer {
	apiKey := viper.GetString("llm-api-key")
	if apiKey == "" {
		return nil
	}
	client := llm.NewClient(apiKey)
	if model := viper.GetString("llm-model"); model != "" {
		client.Model = model
	}
	return client
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printProgram(out domain.GeneratorOutput) {
	fmt.Printf("%s\n%s\n\n", out.Program.Title, out.Program.Description)
	fmt.Printf("Confidence %.2f | %d months | %d rounds | %d agents | %dms\n\n",
		out.Program.OverallConfidence,
		out.Program.Timeline.TotalMonths,
		out.Metadata.RoundsCompleted,
		out.Metadata.AgentsParticipated,
		out.Metadata.GenerationTimeMs,
	)

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Workstreams")
	tw.AppendHeader(table.Row{"ID", "Name", "Owner", "Months", "Deps", "Confidence"})
	for _, ws := range out.Program.Workstreams {
		tw.AppendRow(table.Row{
			ws.ID, ws.Name, ws.Owner,
			fmt.Sprintf("%d-%d", ws.StartMonth, ws.EndMonth),
			strings.Join(ws.Dependencies, ", "),
			fmt.Sprintf("%.2f", ws.Confidence),
		})
	}
	tw.Render()

	tw = table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(fmt.Sprintf("Risks (%s overall)", out.Program.RiskRegister.OverallRiskLevel))
	tw.AppendHeader(table.Row{"Description", "Probability", "Impact", "Mitigation"})
	for _, r := range out.Program.RiskRegister.Risks {
		tw.AppendRow(table.Row{r.Description, r.Probability, r.Impact, r.Mitigation})
	}
	tw.Render()

	tw = table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(fmt.Sprintf("Resources (%d heads, %.0f total)", out.Program.ResourcePlan.TotalHeadcount, out.Program.ResourcePlan.TotalCost))
	tw.AppendHeader(table.Row{"Role", "Allocation", "Cost/Month", "Skills"})
	for _, role := range out.Program.ResourcePlan.Roles {
		tw.AppendRow(table.Row{
			role.Role,
			fmt.Sprintf("%.1f", role.Allocation),
			fmt.Sprintf("%.0f", role.CostPerMonth),
			strings.Join(role.Skills, ", "),
		})
	}
	tw.Render()

	stats := out.KnowledgeLedger.Stats
	tw = table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("Knowledge")
	tw.AppendHeader(table.Row{"Candidates", "Verified", "Contested", "Rejected", "Deduplicated", "Flagged"})
	tw.AppendRow(table.Row{stats.TotalCandidates, stats.Verified, stats.Contested, stats.Rejected, stats.Deduplicated, stats.FlaggedForReview})
	tw.Render()
}
