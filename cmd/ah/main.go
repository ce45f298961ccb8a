package main

import (
	"bufio"
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

	"annohub/internal/config"
	"annohub/internal/db"
	"annohub/internal/domain"
	"annohub/internal/engine"
	"annohub/internal/migrate"
	"annohub/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ah",
	Short: "Annohub CLI",
	Long: `Annohub allocates annotation work across a three-stage pipeline.
Core concepts:
- Workspace: your .annohub directory holding the SQLite database; config lives in annohub.yml.
- Project: owns tasks, members, and the pipeline stage (annotation, review, supercheck).
- Tasks: work items created from source data; statuses go incomplete -> annotated -> reviewed -> super_checked.
- Pulls: annotators, reviewers, and supercheckers pull batches of eligible tasks; a per-stage lock keeps pulls serialized.
- Annotations: layered verdicts (annotator, reviewer, superchecker) chained by parent links.
- Event log: diary of project changes, view with 'ah log tail'.`,
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
	viper.SetEnvPrefix("ANNOHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(unassignCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectPublishCmd())
	prj.AddCommand(projectArchiveCmd())
	prj.AddCommand(projectStageCmd())
	prj.AddCommand(projectMembersCmd())
	prj.AddCommand(projectLocksCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Title == "" {
				return fmt.Errorf("--title required")
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.ProjectType, "type", "generic", "project type")
	cmd.Flags().IntVar(&opts.RequiredAnnotatorsPerTask, "required-annotators", 1, "annotators required per task")
	cmd.Flags().IntVar(&opts.MaxTasksPerUser, "max-tasks-per-user", -1, "lifetime task quota per user (-1 unlimited)")
	cmd.Flags().IntVar(&opts.MaxPendingTasksPerUser, "max-pending", 0, "pending task cap per user (0 uses config default)")
	cmd.Flags().IntVar(&opts.TasksPullCountPerBatch, "pull-batch", 0, "max tasks per pull (0 uses config default)")
	cmd.Flags().IntVar(&opts.KValue, "k-value", 0, "supercheck sample percentage (0 uses config default)")
	cmd.Flags().IntVar(&opts.RevisionLoopLimit, "revision-loop-limit", 0, "send-back limit per task (0 uses config default)")
	cmd.Flags().BoolVar(&opts.UniReview, "uni-review", false, "one reviewer handles all sibling copies of an item")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Published", "Archived"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Title, domain.StageName(p.ProjectStage), p.IsPublished, p.IsArchived})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <project-id>",
		Short: "Publish a project so members can pull tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.PublishProject(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <project-id>",
		Short: "Archive a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ArchiveProject(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectStageCmd() *cobra.Command {
	var target int
	cmd := &cobra.Command{
		Use:   "stage <project-id>",
		Short: "Move a project to an adjacent pipeline stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ChangeProjectStage(ctx, args[0], target, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().IntVar(&target, "to", 0, "target stage (1 annotation, 2 review, 3 supercheck)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func projectLocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks <project-id>",
		Short: "Show per-stage allocation lock state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				locks, err := e.ProjectLocks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(locks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Locked", "Holder", "Expires"})
				for _, l := range locks {
					holder, expires := "", ""
					if l.Lock != nil {
						holder, expires = l.Lock.UserID, l.Lock.ExpiresAt
					}
					tw.AppendRow(table.Row{l.Stage, l.Locked, holder, expires})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectMembersCmd() *cobra.Command {
	members := &cobra.Command{Use: "members", Short: "Manage project members"}
	members.AddCommand(membersAddCmd())
	members.AddCommand(membersRemoveCmd())
	members.AddCommand(membersUnfreezeCmd())
	return members
}

func membersAddCmd() *cobra.Command {
	var role string
	var userIDs []string
	cmd := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Add members with a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(userIDs) == 0 {
				return fmt.Errorf("--user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AddMembers(ctx, args[0], role, userIDs, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", domain.MemberAnnotator, "role (annotator, reviewer, super_checker)")
	cmd.Flags().StringArrayVar(&userIDs, "user", []string{}, "user id (repeatable)")
	return cmd
}

func membersRemoveCmd() *cobra.Command {
	var role, userID string
	cmd := &cobra.Command{
		Use:   "remove <project-id>",
		Short: "Freeze a member and hand back their pending work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RemoveMember(ctx, engine.RemoveMemberOptions{
					ProjectID: args[0],
					UserID:    userID,
					Role:      role,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", domain.MemberAnnotator, "role to remove (annotator, reviewer, super_checker)")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}

func membersUnfreezeCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "unfreeze <project-id>",
		Short: "Clear a frozen marker so the user can be re-added",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveFrozenUser(ctx, args[0], userID, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskImportCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	return task
}

// taskImportCmd reads one JSON object per line: {"input_data": "...", "data_json": "..."}.
func taskImportCmd() *cobra.Command {
	var filePath, projectID string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create tasks from a JSONL file of source items",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			f, err := os.Open(filePath)
			if err != nil {
				return err
			}
			defer f.Close()
			var items []engine.TaskItem
			scanner := bufio.NewScanner(f)
			line := 0
			for scanner.Scan() {
				line++
				text := strings.TrimSpace(scanner.Text())
				if text == "" {
					continue
				}
				var item struct {
					InputData string `json:"input_data"`
					DataJSON  string `json:"data_json"`
				}
				if err := json.Unmarshal([]byte(text), &item); err != nil {
					return fmt.Errorf("line %d: %w", line, err)
				}
				items = append(items, engine.TaskItem{InputData: item.InputData, DataJSON: item.DataJSON})
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.CreateTasks(ctx, projectID, items, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("Created %d tasks\n", len(ids))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSONL file")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func taskListCmd() *cobra.Command {
	var projectID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			var statuses []string
			if status != "" {
				statuses = strings.Split(status, ",")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, projectID, statuses, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Input", "Status", "Annotators", "Reviewer", "Superchecker"})
				for _, t := range tasks {
					reviewer := ""
					if t.ReviewUser != nil {
						reviewer = *t.ReviewUser
					}
					superchecker := ""
					if t.SuperCheckUser != nil {
						superchecker = *t.SuperCheckUser
					}
					tw.AppendRow(table.Row{t.ID, t.InputData, t.TaskStatus, strings.Join(t.AnnotationUsers, ","), reviewer, superchecker})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&status, "status", "", "comma-separated status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 unlimited)")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var taskID int64
			if _, err := fmt.Sscanf(args[0], "%d", &taskID); err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userAPIKeyCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var id, email, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return fmt.Errorf("--email required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, id, email, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&role, "role", domain.RoleAnnotator, "directory role")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Role"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Email, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userAPIKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "apikey <user-id>",
		Short: "Mint an API key; the raw key is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				k, raw, err := e.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": k.ID, "user_id": k.UserID, "key": raw})
				}
				fmt.Printf("API key for %s: %s\n", k.UserID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func assignCmd() *cobra.Command {
	var projectID, userID, stage string
	var num int
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Pull a batch of tasks for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" || userID == "" {
				return fmt.Errorf("--project and --user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var res engine.AssignResult
				var err error
				switch stage {
				case "annotation":
					res, err = e.AssignTasks(ctx, projectID, userID, num)
				case "review":
					res, err = e.AssignReviewTasks(ctx, projectID, userID, num)
				case "supercheck":
					res, err = e.AssignSuperCheckTasks(ctx, projectID, userID, num)
				default:
					return fmt.Errorf("unknown stage %q", stage)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&stage, "stage", "annotation", "stage (annotation, review, supercheck)")
	cmd.Flags().IntVar(&num, "n", 0, "tasks requested (0 uses project batch size)")
	return cmd
}

func unassignCmd() *cobra.Command {
	var projectID, userID, stage string
	var statuses []string
	cmd := &cobra.Command{
		Use:   "unassign",
		Short: "Hand back a user's pending tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" || userID == "" {
				return fmt.Errorf("--project and --user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				var res engine.UnassignResult
				var err error
				switch stage {
				case "annotation":
					res, err = e.UnassignTasks(ctx, projectID, userID, statuses, actor)
				case "review":
					res, err = e.UnassignReviewTasks(ctx, projectID, userID, statuses, actor)
				case "supercheck":
					res, err = e.UnassignSuperCheckTasks(ctx, projectID, userID, statuses, actor)
				default:
					return fmt.Errorf("unknown stage %q", stage)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&stage, "stage", "annotation", "stage (annotation, review, supercheck)")
	cmd.Flags().StringArrayVar(&statuses, "status", []string{}, "annotation status filter (repeatable)")
	return cmd
}

func notificationsCmd() *cobra.Command {
	var userID string
	var limit int
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List notifications for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListNotifications(ctx, userID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to actor)")
	cmd.Flags().IntVar(&limit, "n", 20, "max notifications")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var projectID string
	var afterID int64
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail project events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, projectID, afterID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().Int64Var(&afterID, "after", 0, "only events after this id")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("ANNOHUB_JWT_SECRET"),
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("ANNOHUB_JWT_SECRET is required when the legacy actor header is disabled")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Annohub API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

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
