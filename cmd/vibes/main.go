package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jabeeworks/vibeflow/internal/agent"
	"github.com/jabeeworks/vibeflow/internal/config"
	"github.com/jabeeworks/vibeflow/internal/db"
	"github.com/jabeeworks/vibeflow/internal/domain"
	"github.com/jabeeworks/vibeflow/internal/feed"
	"github.com/jabeeworks/vibeflow/internal/ideas"
	"github.com/jabeeworks/vibeflow/internal/lock"
	"github.com/jabeeworks/vibeflow/internal/migrate"
	"github.com/jabeeworks/vibeflow/internal/notify"
	"github.com/jabeeworks/vibeflow/internal/pipeline"
	"github.com/jabeeworks/vibeflow/internal/planner"
	"github.com/jabeeworks/vibeflow/internal/provision"
	"github.com/jabeeworks/vibeflow/internal/server"
	"github.com/jabeeworks/vibeflow/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "vibes",
	Short: "Vibeflow CLI",
	Long: `Vibeflow turns rough app ideas into shipped apps with minimal human input.
- Seed an idea (vibes task add, the dashboard, or the daily batch).
- The planner refines drafts, applies feedback, provisions approved ideas,
  and hands development off to the build pipeline.
- Humans only approve, reject, leave feedback, and start development.
- vibes run hosts the whole loop; the other commands run the pieces one-shot.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("VIBEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dailyCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(oneshotCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(taskCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default vibeflow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator: planner, server, and scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				e, err := buildEngine(cfg, s)
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				var wg sync.WaitGroup
				errc := make(chan error, 2)

				wg.Add(1)
				go func() {
					defer wg.Done()
					sub := &feed.Subscriber{Store: s, PollInterval: cfg.PollInterval()}
					if err := e.Run(ctx, sub); err != nil {
						errc <- fmt.Errorf("planner: %w", err)
					}
				}()

				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := serveHTTP(ctx, cfg, s); err != nil {
						errc <- fmt.Errorf("server: %w", err)
					}
				}()

				if cfg.Daily.Enabled {
					gen := ideas.NewGenerator(s, e.Agent, e.Notifier)
					gen.Count = cfg.Daily.Count
					gen.DeadlineOffset = cfg.DeadlineOffset()
					wg.Add(1)
					go func() {
						defer wg.Done()
						runEvery(ctx, 24*time.Hour, func() {
							if err := gen.Run(ctx); err != nil {
								fmt.Println("daily:", err)
							}
						})
					}()
				}
				if cfg.Cleanup.Enabled {
					sw := ideas.NewSweeper(s)
					sw.Retention = cfg.Retention()
					wg.Add(1)
					go func() {
						defer wg.Done()
						runEvery(ctx, time.Hour, func() {
							if _, err := sw.Run(ctx); err != nil {
								fmt.Println("cleanup:", err)
							}
						})
					}()
				}

				select {
				case <-ctx.Done():
					err = nil
				case err = <-errc:
					stop()
				}
				wg.Wait()
				return err
			})
		},
	}
}

// runEvery fires fn on a fixed interval until ctx is done. The first
// run happens after one full interval, not at startup.
func runEvery(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard API and webhook receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				return serveHTTP(ctx, cfg, s)
			})
		},
	}
}

func serveHTTP(ctx context.Context, cfg *config.Config, s store.Store) error {
	handler, err := server.New(server.Config{Store: s, SharedSecret: cfg.Server.SharedSecret})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	fmt.Printf("Serving Vibeflow API on %s (base path /v0)\n", cfg.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func dailyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daily",
		Short: "Generate one batch of fresh ideas",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				inv, err := newAgent(cfg)
				if err != nil {
					return err
				}
				gen := ideas.NewGenerator(s, inv, newNotifier(cfg))
				if cfg.Daily.Count > 0 {
					gen.Count = cfg.Daily.Count
				}
				gen.DeadlineOffset = cfg.DeadlineOffset()
				return gen.Run(ctx)
			})
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge rejected tasks past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				sw := ideas.NewSweeper(s)
				sw.Retention = cfg.Retention()
				n, err := sw.Run(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("purged %d tasks\n", n)
				return nil
			})
		},
	}
}

func oneshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "oneshot <task-id>",
		Short: "Process a single task through its handler once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				e, err := buildEngine(cfg, s)
				if err != nil {
					return err
				}
				t, err := s.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				if !t.Status.Actionable() {
					return fmt.Errorf("task %s has status %s, nothing to do", t.ID, t.Status)
				}
				e.Dispatch(ctx, feed.Event{TaskID: t.ID, Task: t})
				t, err = s.GetTask(ctx, t.ID)
				if err != nil {
					return err
				}
				fmt.Printf("task %s is now %s\n", t.ID, t.Status)
				return nil
			})
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Clear stale processing locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				n, err := s.ClearStuckLocks(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("cleared %d locks\n", n)
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskAddCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskStatusCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				var filters store.TaskFilters
				filters.Limit = limit
				if status != "" {
					for _, raw := range strings.Split(status, ",") {
						filters.Statuses = append(filters.Statuses, domain.Status(strings.TrimSpace(raw)))
					}
				}
				tasks, err := s.ListTasks(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Locked", "Deadline", "Dir"})
				for _, t := range tasks {
					locked := ""
					if t.IsProcessing {
						locked = "yes"
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, locked, strPtrOrEmpty(t.Deadline), strPtrOrEmpty(t.DirectoryName)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma-separated status filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func taskAddCmd() *cobra.Command {
	var title, overview, status string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Seed a new idea",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				t, err := s.CreateTask(ctx, domain.Task{
					Title:    title,
					Overview: overview,
					Status:   domain.Status(status),
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "idea title")
	cmd.Flags().StringVar(&overview, "overview", "", "rough notes")
	cmd.Flags().StringVar(&status, "status", "draft", "initial status (draft or new)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				t, err := s.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskStatusCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Set a task status (the human side of the lifecycle)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := domain.Status(args[1])
			if !status.Valid() {
				return fmt.Errorf("unknown status %q", args[1])
			}
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				u := store.Update{Status: &status}
				if cmd.Flags().Changed("comment") {
					u.FeedbackComment = &comment
				}
				t, err := s.UpdateTask(ctx, args[0], u)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "feedback comment")
	return cmd
}

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("workspace"))
}

func withStore(ctx context.Context, fn func(context.Context, store.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.New(conn))
}

func newAgent(cfg *config.Config) (agent.Invoker, error) {
	var opts []agent.Option
	if cfg.Agent.Model != "" {
		opts = append(opts, agent.WithModel(cfg.Agent.Model))
	}
	if cfg.AgentTimeout() > 0 {
		opts = append(opts, agent.WithTimeout(cfg.AgentTimeout()))
	}
	return agent.NewClient(cfg.APIKey(), opts...)
}

func newNotifier(cfg *config.Config) notify.Sink {
	if cfg.Notifier.WebhookURL == "" {
		return notify.Discard{}
	}
	return notify.NewWebhook(cfg.Notifier.WebhookURL)
}

func buildEngine(cfg *config.Config, s store.Store) (*planner.Engine, error) {
	inv, err := newAgent(cfg)
	if err != nil {
		return nil, err
	}
	scaffolder := provision.NewScaffolder(cfg.Provisioner.BaseDir)
	if len(cfg.Provisioner.ScaffoldCommand) > 0 {
		scaffolder.Command = cfg.Provisioner.ScaffoldCommand
	}
	pipe := pipeline.NewExec(s, cfg.Provisioner.BaseDir, cfg.Pipeline.BuildCommand, cfg.Pipeline.PublishCommand)
	e := planner.New(s, lock.NewManager(s), inv, scaffolder, pipe, newNotifier(cfg))
	if cfg.Planner.Workers > 0 {
		e.Workers = cfg.Planner.Workers
	}
	if cfg.Planner.QueueCap > 0 {
		e.QueueCap = cfg.Planner.QueueCap
	}
	if cfg.DeadlineOffset() > 0 {
		e.DeadlineOffset = cfg.DeadlineOffset()
	}
	return e, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func strPtrOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
