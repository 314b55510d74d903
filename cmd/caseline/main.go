package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/audit"
	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/notify"
	"caseline/internal/repo"
	"caseline/internal/rules"
	"caseline/internal/scheduler"
	"caseline/internal/server"
	"caseline/internal/tenant"
	"caseline/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "caseline",
	Short: "Caseline CLI",
	Long: `Caseline is a multi-tenant workflow and triage core.
Orgs define triage rules that sweep problems, business cases, projects and
epics, and workflow templates that react to published events with ordered
steps: tasks, automated actions, approvals, assignments and notifications.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("CASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("org", "", "organization id")
	rootCmd.PersistentFlags().String("user-id", "local-admin", "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

// stack is the wired application: every command shares this composition.
type stack struct {
	Conn       *sql.DB
	Repo       repo.Repo
	Audit      audit.Writer
	Sink       *notify.Sink
	Engine     rules.Engine
	Resolver   workflow.Resolver
	Worker     *scheduler.Worker
	Dispatcher *workflow.Dispatcher
	Config     *config.Config
	Logger     *slog.Logger
}

func buildStack(workspace string) (*stack, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	r := repo.Repo{DB: conn}
	aud := audit.Writer{DB: conn}
	sink := &notify.Sink{
		DB:           conn,
		Repo:         r,
		Transport:    notify.LogTransport{Logger: logger},
		Logger:       logger,
		SendAttempts: cfg.Notifications.SendAttempts,
	}
	engine := rules.New(conn, sink)
	engine.Logger = logger
	resolver := workflow.Resolver{DB: conn, Repo: r, Audit: aud}
	worker := &scheduler.Worker{
		DB:          conn,
		Repo:        r,
		Audit:       aud,
		Logger:      logger,
		Tick:        config.Duration(cfg.Scheduler.Tick),
		BatchSize:   cfg.Scheduler.BatchSize,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		BackoffBase: config.Duration(cfg.Scheduler.BackoffBase),
		BackoffCap:  config.Duration(cfg.Scheduler.BackoffCap),
		StaleAfter:  config.Duration(cfg.Scheduler.StaleAfter),
	}
	dispatcher := &workflow.Dispatcher{
		DB:       conn,
		Repo:     r,
		Audit:    aud,
		Sink:     sink,
		Resolver: resolver,
		Queue:    worker,
		Logger:   logger,
	}
	return &stack{
		Conn:       conn,
		Repo:       r,
		Audit:      aud,
		Sink:       sink,
		Engine:     engine,
		Resolver:   resolver,
		Worker:     worker,
		Dispatcher: dispatcher,
		Config:     cfg,
		Logger:     logger,
	}, nil
}

func withStack(fn func(context.Context, *stack) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := buildStack(viper.GetString("workspace"))
		if err != nil {
			return err
		}
		defer s.Conn.Close()
		return fn(cmd.Context(), s)
	}
}

// cliPrincipal acts as an org admin from the local CLI.
func cliPrincipal() (tenant.Principal, error) {
	org := strings.TrimSpace(viper.GetString("org"))
	if org == "" {
		return tenant.Principal{}, fmt.Errorf("--org required (or CASELINE_ORG)")
	}
	return tenant.Principal{
		UserID: viper.GetString("user-id"),
		OrgID:  org,
		Role:   "Admin",
		Source: "cli",
	}, nil
}

// seedNotificationDefaults applies caseline.yml notification policies per
// org, without clobbering settings an admin already stored.
func seedNotificationDefaults(ctx context.Context, s *stack) error {
	if len(s.Config.Notifications.Defaults) == 0 {
		return nil
	}
	orgs, err := s.Repo.ListOrganizations(ctx)
	if err != nil {
		return err
	}
	for _, org := range orgs {
		p := tenant.System(org.ID)
		for event, policy := range s.Config.Notifications.Defaults {
			if _, err := s.Repo.GetNotificationSetting(ctx, p, event); err == nil {
				continue
			} else if err != repo.ErrNotFound {
				return err
			}
			if err := s.Repo.UpsertNotificationSetting(ctx, policy.Setting(org.ID, event)); err != nil {
				return err
			}
		}
	}
	return nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: withStack(func(ctx context.Context, s *stack) error {
			if err := seedNotificationDefaults(ctx, s); err != nil {
				return err
			}
			if addr == "" {
				addr = s.Config.Server.Addr
			}
			secret := s.Config.Server.JWTSecret
			if secret == "" {
				return fmt.Errorf("jwt secret required: set server.jwt_secret or CASELINE_SERVER_JWT_SECRET")
			}
			handler, err := server.New(server.Config{
				DB:         s.Conn,
				Repo:       s.Repo,
				Audit:      s.Audit,
				Engine:     s.Engine,
				Dispatcher: s.Dispatcher,
				Resolver:   s.Resolver,
				Sink:       s.Sink,
				BasePath:   basePath,
				Auth: server.AuthConfig{
					JWTSecret:     secret,
					AllowDevLogin: devLogin,
					Logger:        s.Logger,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Caseline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the dev token endpoint")
	return cmd
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the scheduler: due tasks, triage sweeps, batch flushes",
		RunE: withStack(func(ctx context.Context, s *stack) error {
			if err := seedNotificationDefaults(ctx, s); err != nil {
				return err
			}
			s.Worker.Register(workflow.TaskKindApprovalTimeout, s.Dispatcher.HandleApprovalTimeout)
			s.Worker.Register(taskKindTriageSweep, triageSweepHandler(s))

			// The cron only enqueues; running the sweep as a scheduled task
			// gives whole-sweep failures the retry backoff.
			if err := s.Worker.AddCron(s.Config.Scheduler.TriageSweep, func() {
				enqueueTriageSweeps(context.Background(), s)
			}); err != nil {
				return err
			}
			flushes := map[string]string{
				domain.FreqHourly: "@hourly",
				domain.FreqDaily:  "@daily",
				domain.FreqWeekly: "@weekly",
			}
			for frequency, spec := range flushes {
				frequency := frequency
				if err := s.Worker.AddCron(spec, func() {
					if sent, err := s.Sink.FlushBatches(context.Background(), frequency); err != nil {
						s.Logger.Error("batch flush failed", "frequency", frequency, "err", err)
					} else if sent > 0 {
						s.Logger.Info("batch flush", "frequency", frequency, "sent", sent)
					}
				}); err != nil {
					return err
				}
			}

			err := s.Worker.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}),
	}
	return cmd
}

// taskKindTriageSweep is the scheduled-task kind for one org's triage sweep.
const taskKindTriageSweep = "triage_sweep"

func enqueueTriageSweeps(ctx context.Context, s *stack) {
	orgs, err := s.Repo.ListOrganizations(ctx)
	if err != nil {
		s.Logger.Error("list organizations failed", "err", err)
		return
	}
	for _, org := range orgs {
		if _, err := s.Worker.Enqueue(ctx, org.ID, taskKindTriageSweep,
			map[string]any{"org_id": org.ID}, time.Now()); err != nil {
			s.Logger.Error("enqueue triage sweep failed", "org_id", org.ID, "err", err)
		}
	}
}

func triageSweepHandler(s *stack) scheduler.HandlerFunc {
	return func(ctx context.Context, orgID string, payload map[string]any) error {
		res, err := s.Engine.ApplyAllActive(ctx, tenant.System(orgID))
		if err != nil {
			return err
		}
		if res.ActionsApplied > 0 || res.Errors > 0 {
			s.Logger.Info("triage sweep",
				"org_id", orgID, "rules", res.RulesEvaluated, "matched", res.EntitiesMatched,
				"applied", res.ActionsApplied, "skipped", res.Skipped, "errors", res.Errors)
		}
		return nil
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run all active triage rules for an org now",
		RunE: withStack(func(ctx context.Context, s *stack) error {
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			res, err := s.Engine.ApplyAllActive(ctx, p)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]int{
				"rules_evaluated":  res.RulesEvaluated,
				"entities_matched": res.EntitiesMatched,
				"actions_applied":  res.ActionsApplied,
				"skipped":          res.Skipped,
				"errors":           res.Errors,
			})
		}),
	}
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Manage triage rules"}
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(ruleCreateCmd())
	rule.AddCommand(ruleToggleCmd())
	rule.AddCommand(ruleTestCmd())
	return rule
}

func ruleListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: withStack(func(ctx context.Context, s *stack) error {
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			items, err := s.Repo.ListRules(ctx, p, activeOnly)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Name", "Kind", "Condition", "Action", "Prio", "Ver", "Active"})
			for _, ru := range items {
				t.AppendRow(table.Row{
					ru.ID, ru.Name, ru.TargetKind,
					fmt.Sprintf("%s %s %s", ru.Field, ru.Operator, ru.Value),
					ru.Action, ru.Priority, ru.Version, ru.Active,
				})
			}
			t.Render()
			return nil
		}),
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active rules")
	return cmd
}

func ruleCreateCmd() *cobra.Command {
	var ru domain.TriageRule
	var kind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule",
		RunE: withStack(func(ctx context.Context, s *stack) error {
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			ru.TargetKind = domain.Kind(kind)
			created, err := s.Engine.CreateRule(ctx, p, ru)
			if err != nil {
				return err
			}
			return printJSONOrTable(created)
		}),
	}
	cmd.Flags().StringVar(&ru.Name, "name", "", "rule name")
	cmd.Flags().StringVar(&kind, "kind", "", "target kind (Problem, BusinessCase, Project, Epic)")
	cmd.Flags().StringVar(&ru.Field, "field", "", "entity field")
	cmd.Flags().StringVar(&ru.Operator, "op", "", "operator (=, <, <=, >, >=, contains, days_ago)")
	cmd.Flags().StringVar(&ru.Value, "value", "", "comparison value")
	cmd.Flags().StringVar(&ru.Action, "action", "", "action (auto_approve, flag, notify_admin, escalate)")
	cmd.Flags().StringVar(&ru.Message, "message", "", "notification message")
	cmd.Flags().IntVar(&ru.Priority, "priority", 0, "evaluation priority, lower first")
	cmd.Flags().BoolVar(&ru.Active, "active", true, "rule is active")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("op")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func ruleToggleCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "toggle <rule-id>",
		Short: "Enable or disable a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer s.Conn.Close()
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			ru, err := s.Engine.ToggleRule(cmd.Context(), p, strings.TrimSpace(args[0]), active)
			if err != nil {
				return err
			}
			return printJSONOrTable(ru)
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "desired state")
	return cmd
}

func ruleTestCmd() *cobra.Command {
	var ru domain.TriageRule
	var kind string
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Dry-run a rule against current data",
		RunE: withStack(func(ctx context.Context, s *stack) error {
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			ru.TargetKind = domain.Kind(kind)
			if ru.Name == "" {
				ru.Name = "test"
			}
			if ru.Action == "" {
				ru.Action = domain.ActionFlag
			}
			res, err := s.Engine.TestRule(ctx, p, ru)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("condition: %s\nmatches:   %d\n", res.Condition, res.MatchCount)
			if len(res.Sample) > 0 {
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Title", "Status"})
				for _, m := range res.Sample {
					t.AppendRow(table.Row{m.ID, m.Title, m.Status})
				}
				t.Render()
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&kind, "kind", "", "target kind")
	cmd.Flags().StringVar(&ru.Field, "field", "", "entity field")
	cmd.Flags().StringVar(&ru.Operator, "op", "", "operator")
	cmd.Flags().StringVar(&ru.Value, "value", "", "comparison value")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("op")
	return cmd
}

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage organizations"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an organization",
		RunE: withStack(func(ctx context.Context, s *stack) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			o := domain.Organization{
				ID:        uuid.NewString(),
				Name:      name,
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if err := s.Repo.InsertOrganization(ctx, o); err != nil {
				return err
			}
			return printJSONOrTable(o)
		}),
	}
	create.Flags().StringVar(&name, "name", "", "organization name")
	org.AddCommand(create)

	list := &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: withStack(func(ctx context.Context, s *stack) error {
			items, err := s.Repo.ListOrganizations(ctx)
			if err != nil {
				return err
			}
			return printJSONOrTable(items)
		}),
	}
	org.AddCommand(list)
	return org
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	var email, name, role, departmentID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user in the org",
		RunE: withStack(func(ctx context.Context, s *stack) error {
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			if email == "" || role == "" {
				return fmt.Errorf("--email and --role required")
			}
			u := domain.User{
				ID:        uuid.NewString(),
				OrgID:     p.OrgID,
				Email:     email,
				Name:      name,
				Role:      role,
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if departmentID != "" {
				u.DepartmentID = &departmentID
			}
			if err := s.Repo.InsertUser(ctx, u); err != nil {
				return err
			}
			return printJSONOrTable(u)
		}),
	}
	create.Flags().StringVar(&email, "email", "", "email")
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&role, "role", "", "role (Admin, Director, BA, ...)")
	create.Flags().StringVar(&departmentID, "department", "", "department id")
	user.AddCommand(create)
	return user
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for a user",
		RunE: withStack(func(ctx context.Context, s *stack) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			raw := uuid.NewString()
			if err := s.Repo.InsertAPIKey(ctx, domain.APIKey{
				ID:      uuid.NewString(),
				UserID:  userID,
				Name:    name,
				KeyHash: repo.HashAPIKey(raw),
			}); err != nil {
				return err
			}
			fmt.Println(raw)
			fmt.Fprintln(os.Stderr, "store this key now; only its hash is kept")
			return nil
		}),
	}
	create.Flags().StringVar(&userID, "user", "", "user id")
	create.Flags().StringVar(&name, "name", "", "key label")
	key.AddCommand(create)
	return key
}

func tokenCmd() *cobra.Command {
	var role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for the acting user",
		RunE: withStack(func(ctx context.Context, s *stack) error {
			p, err := cliPrincipal()
			if err != nil {
				return err
			}
			secret := s.Config.Server.JWTSecret
			if secret == "" {
				return fmt.Errorf("jwt secret required: set server.jwt_secret or CASELINE_SERVER_JWT_SECRET")
			}
			token, err := server.IssueToken(secret, p.UserID, p.OrgID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		}),
	}
	cmd.Flags().StringVar(&role, "role", "Admin", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
