package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mobiflow/internal/app"
	"mobiflow/internal/config"
	"mobiflow/internal/db"
	"mobiflow/internal/domain"
	"mobiflow/internal/engine"
	"mobiflow/internal/mail"
	"mobiflow/internal/migrate"
	"mobiflow/internal/notify"
	"mobiflow/internal/repo"
	"mobiflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mf",
	Short: "Mobiflow CLI",
	Long: `Mobiflow tracks employee onboarding as cards moving through a staged pipeline.
Core concepts:
- Workspace: the .mobiflow directory holding the SQLite database; the stage
  catalog is seeded from mobiflow.yml on first use.
- Stages: the ordered pipeline (requisition, documentation, provisioning, ...),
  each with a deadline allowance in days and a checklist template.
- Cards: one per employee being onboarded; a card sits in exactly one stage
  with a status of not_started, in_progress or finalized.
- Checklists: instantiated from the stage template when a card enters the
  stage; the whole set is replaced on every move.
- Movements: immutable history of stage transitions with days-in-stage.
- Notifications: deadline, inactivity and checklist alerts queued by scans
  and delivered by mail (or logged), deduplicated per card and kind.`,
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
	viper.SetEnvPrefix("MOBIFLOW")
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
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- pipeline ---

func pipelineCmd() *cobra.Command {
	p := &cobra.Command{Use: "pipeline", Short: "Manage the stage pipeline"}
	p.AddCommand(pipelineListCmd())
	p.AddCommand(pipelineInitCmd())
	p.AddCommand(pipelineShowCmd())
	return p
}

func pipelineListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active stages in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.Repo.ActiveStagesOrdered(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pos", "ID", "Name", "Deadline (days)", "Owner"})
				for _, s := range stages {
					tw.AppendRow(table.Row{s.Position, s.ID, s.Name, s.DeadlineDays, s.OwnerEmail})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pipelineInitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default mobiflow.yml (or seed from --file) and seed the stage catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			var cfg *config.Config
			var err error
			if file != "" {
				cfg, err = config.FromFile(file)
				if err != nil {
					return err
				}
				data, readErr := os.ReadFile(file)
				if readErr != nil {
					return readErr
				}
				if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
					return err
				}
			} else {
				if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
					if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
						return err
					}
				}
				cfg, err = config.Load(workspace)
				if err != nil {
					return err
				}
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := app.EnsurePipeline(ctx, r, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Pipeline ready; config at %s\n", cfgPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "seed config from this YAML file")
	return cmd
}

func pipelineShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <stage-id>",
		Short: "Show a stage with its checklist template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetStage(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListStageTasks(ctx, s.ID, false)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"stage": s, "tasks": tasks})
			})
		},
	}
}

// --- stage ---

func stageCmd() *cobra.Command {
	s := &cobra.Command{Use: "stage", Short: "Manage stages"}
	s.AddCommand(stageCreateCmd())
	s.AddCommand(stageUpdateCmd())
	s.AddCommand(stageTaskCmd())
	s.AddCommand(stageGrantCmd())
	s.AddCommand(stageRevokeCmd())
	return s
}

func stageCreateCmd() *cobra.Command {
	var opts engine.StageCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				s, err := e.CreateStage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "stage name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "stage description")
	cmd.Flags().IntVar(&opts.Position, "position", 0, "pipeline position (0 = append)")
	cmd.Flags().IntVar(&opts.DeadlineDays, "deadline-days", 5, "deadline allowance in days")
	cmd.Flags().IntVar(&opts.InactivityAlertDays, "inactivity-days", 3, "inactivity alert threshold (0 disables)")
	cmd.Flags().StringVar(&opts.OwnerEmail, "owner", "", "owner email")
	return cmd
}

func stageUpdateCmd() *cobra.Command {
	var name, description, owner string
	var position, deadlineDays, inactivityDays int
	var active string
	cmd := &cobra.Command{
		Use:   "update <stage-id>",
		Short: "Update a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.StageUpdateOptions{StageID: args[0], ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &description
				}
				if cmd.Flags().Changed("owner") {
					opts.OwnerEmail = &owner
				}
				if cmd.Flags().Changed("position") {
					opts.Position = &position
				}
				if cmd.Flags().Changed("deadline-days") {
					opts.DeadlineDays = &deadlineDays
				}
				if cmd.Flags().Changed("inactivity-days") {
					opts.InactivityAlertDays = &inactivityDays
				}
				if cmd.Flags().Changed("active") {
					v := active == "true"
					opts.Active = &v
				}
				s, err := e.UpdateStage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "stage name")
	cmd.Flags().StringVar(&description, "description", "", "stage description")
	cmd.Flags().StringVar(&owner, "owner", "", "owner email")
	cmd.Flags().IntVar(&position, "position", 0, "pipeline position")
	cmd.Flags().IntVar(&deadlineDays, "deadline-days", 0, "deadline allowance in days")
	cmd.Flags().IntVar(&inactivityDays, "inactivity-days", 0, "inactivity alert threshold")
	cmd.Flags().StringVar(&active, "active", "", "true or false")
	return cmd
}

func stageTaskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage checklist template tasks"}

	var taskText, description string
	var optional bool
	var position int
	add := &cobra.Command{
		Use:   "add <stage-id>",
		Short: "Add a template task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.AddStageTask(ctx, args[0], taskText, description, !optional, position, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	add.Flags().StringVar(&taskText, "task", "", "task text")
	add.Flags().StringVar(&description, "description", "", "task description")
	add.Flags().BoolVar(&optional, "optional", false, "task is optional (default required)")
	add.Flags().IntVar(&position, "position", 0, "template position (0 = append)")
	t.AddCommand(add)

	var newText string
	var required, activeFlag string
	var newPosition int
	update := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update a template task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.StageTaskUpdateOptions{TaskID: args[0], ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("task") {
					opts.Task = &newText
				}
				if cmd.Flags().Changed("required") {
					v := required == "true"
					opts.Required = &v
				}
				if cmd.Flags().Changed("position") {
					opts.Position = &newPosition
				}
				if cmd.Flags().Changed("active") {
					v := activeFlag == "true"
					opts.Active = &v
				}
				updated, err := e.UpdateStageTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	update.Flags().StringVar(&newText, "task", "", "task text")
	update.Flags().StringVar(&required, "required", "", "true or false")
	update.Flags().IntVar(&newPosition, "position", 0, "template position")
	update.Flags().StringVar(&activeFlag, "active", "", "true or false")
	t.AddCommand(update)

	return t
}

func stageGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <stage-id> <group-id>",
		Short: "Permit a group to edit cards in a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantStageGroup(ctx, args[0], args[1], viper.GetString("actor-id"))
			})
		},
	}
}

func stageRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <stage-id> <group-id>",
		Short: "Revoke a group's access to a stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeStageGroup(ctx, args[0], args[1], viper.GetString("actor-id"))
			})
		},
	}
}

// --- card ---

func cardCmd() *cobra.Command {
	c := &cobra.Command{Use: "card", Short: "Manage onboarding cards"}
	c.AddCommand(cardCreateCmd())
	c.AddCommand(cardListCmd())
	c.AddCommand(cardShowCmd())
	c.AddCommand(cardUpdateCmd())
	c.AddCommand(cardMoveCmd())
	c.AddCommand(cardCheckCmd())
	c.AddCommand(cardFinalizeCmd())
	c.AddCommand(cardHistoryCmd())
	c.AddCommand(cardDeleteCmd())
	return c
}

func cardCreateCmd() *cobra.Command {
	var opts engine.CardCreateOptions
	var salary float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a card in the entry stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				if cmd.Flags().Changed("salary") {
					opts.Salary = &salary
				}
				c, err := e.CreateCard(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.EmployeeName, "name", "", "employee name")
	cmd.Flags().StringVar(&opts.TaxID, "tax-id", "", "employee tax id")
	cmd.Flags().StringVar(&opts.Role, "role", "", "role / job title")
	cmd.Flags().Float64Var(&salary, "salary", 0, "salary")
	cmd.Flags().StringVar(&opts.CostCenter, "cost-center", "", "cost center")
	cmd.Flags().StringVar(&opts.HireDate, "hire-date", "", "hire date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.OwnerEmail, "owner", "", "owner email (defaults to stage owner)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "free-form notes")
	return cmd
}

func cardListCmd() *cobra.Command {
	var f repo.CardFilter
	var overdue bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if overdue {
					f.OverdueAsOf = time.Now().UTC().Format(time.RFC3339)
				}
				cards, err := e.Repo.ListCards(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cards)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Employee", "Stage", "Status", "Deadline", "Owner"})
				for _, c := range cards {
					tw.AppendRow(table.Row{c.ID, c.EmployeeName, c.StageID, c.StageStatus, c.StageDeadline, c.OwnerEmail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.StageID, "stage", "", "stage filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OwnerEmail, "owner", "", "owner filter")
	cmd.Flags().BoolVar(&overdue, "overdue", false, "only cards past their deadline")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func cardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <card-id>",
		Short: "Show a card with its checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCard(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := e.Repo.ListChecklist(ctx, c.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"card": c, "checklist": items})
			})
		},
	}
}

func cardUpdateCmd() *cobra.Command {
	var name, role, costCenter, hireDate, owner, notes, status string
	var salary float64
	cmd := &cobra.Command{
		Use:   "update <card-id>",
		Short: "Update a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.CardUpdateOptions{CardID: args[0], ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("name") {
					opts.EmployeeName = &name
				}
				if cmd.Flags().Changed("role") {
					opts.Role = &role
				}
				if cmd.Flags().Changed("salary") {
					opts.Salary = &salary
				}
				if cmd.Flags().Changed("cost-center") {
					opts.CostCenter = &costCenter
				}
				if cmd.Flags().Changed("hire-date") {
					opts.HireDate = &hireDate
				}
				if cmd.Flags().Changed("owner") {
					opts.OwnerEmail = &owner
				}
				if cmd.Flags().Changed("notes") {
					opts.Notes = &notes
				}
				if cmd.Flags().Changed("status") {
					opts.StageStatus = &status
				}
				c, err := e.UpdateCard(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "employee name")
	cmd.Flags().StringVar(&role, "role", "", "role / job title")
	cmd.Flags().Float64Var(&salary, "salary", 0, "salary")
	cmd.Flags().StringVar(&costCenter, "cost-center", "", "cost center")
	cmd.Flags().StringVar(&hireDate, "hire-date", "", "hire date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner email")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	cmd.Flags().StringVar(&status, "status", "", "stage status (not_started|in_progress|finalized)")
	return cmd
}

func cardMoveCmd() *cobra.Command {
	var toStage, reason string
	var toPosition int
	cmd := &cobra.Command{
		Use:   "move <card-id>",
		Short: "Move a card to another stage (default: next in order)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := toStage
				if target == "" && toPosition > 0 {
					s, err := e.Repo.ActiveStageByPosition(ctx, toPosition)
					if err != nil {
						return err
					}
					target = s.ID
				}
				if target == "" {
					c, err := e.Repo.GetCard(ctx, args[0])
					if err != nil {
						return err
					}
					next, err := e.NextStage(ctx, c)
					if err != nil {
						if errors.Is(err, repo.ErrNotFound) {
							return fmt.Errorf("card is in the last stage")
						}
						return err
					}
					target = next.ID
				}
				c, err := e.MoveCard(ctx, engine.MoveOptions{
					CardID:    args[0],
					ToStageID: target,
					Reason:    reason,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&toStage, "to", "", "target stage id")
	cmd.Flags().IntVar(&toPosition, "to-position", 0, "target stage position")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the move")
	return cmd
}

func cardCheckCmd() *cobra.Command {
	var undo bool
	var note string
	cmd := &cobra.Command{
		Use:   "check <card-id> <item-id>",
		Short: "Mark a checklist item done (or undone with --undo)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.SetChecklistItem(ctx, args[0], args[1], !undo, note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "mark the item not done")
	cmd.Flags().StringVar(&note, "note", "", "note on the item")
	return cmd
}

func cardFinalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <card-id>",
		Short: "Finalize the card's current stage work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ok, pending, err := e.CanFinalize(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					fmt.Printf("%d required checklist item(s) pending:\n", len(pending))
					for _, it := range pending {
						fmt.Printf("  - %s\n", it.Task)
					}
					return fmt.Errorf("checklist incomplete")
				}
				status := domain.StatusFinalized
				c, err := e.UpdateCard(ctx, engine.CardUpdateOptions{
					CardID:      args[0],
					StageStatus: &status,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func cardHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <card-id>",
		Short: "Show a card's movement history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				moves, err := e.Repo.ListMovements(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(moves)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Moved at", "From", "To", "Days", "Actor", "Reason"})
				for _, m := range moves {
					from := ""
					if m.FromStageID != nil {
						from = *m.FromStageID
					}
					tw.AppendRow(table.Row{m.MovedAt, from, m.ToStageID, m.DaysInStage, m.ActorID, m.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func cardDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <card-id>",
		Short: "Delete a card and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteCard(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

// --- board ---

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Card counts and deadline health per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cols, err := e.Board(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cols)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pos", "Stage", "Cards", "Overdue", "Due soon"})
				for _, col := range cols {
					tw.AppendRow(table.Row{col.Stage.Position, col.Stage.Name, col.Total, col.Overdue, col.DueSoon})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- notify ---

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Notification scans and queue"}
	n.AddCommand(notifyScanCmd())
	n.AddCommand(notifyPendingCmd())
	n.AddCommand(notifyListCmd())
	return n
}

func notifyScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run notification rules and deliver the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScanner(cmd.Context(), func(ctx context.Context, s notify.Scanner) error {
				res, err := s.RunAll(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func notifyPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List undelivered notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScanner(cmd.Context(), func(ctx context.Context, s notify.Scanner) error {
				items, err := s.Repo.ListPendingNotifications(ctx, s.MaxAttempts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Recipient", "Attempts", "Last error"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.Kind, n.Recipient, n.Attempts, n.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func notifyListCmd() *cobra.Command {
	var recipient string
	var unread bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications for a recipient",
		RunE: func(cmd *cobra.Command, args []string) error {
			if recipient == "" {
				return fmt.Errorf("--recipient required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNotifications(ctx, recipient, unread, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient email")
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

// --- group ---

func groupCmd() *cobra.Command {
	g := &cobra.Command{Use: "group", Short: "Manage actor groups"}
	g.AddCommand(&cobra.Command{
		Use:   "join <actor-id> <group-id>",
		Short: "Add an actor to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.JoinGroup(ctx, args[0], args[1], viper.GetString("actor-id"))
			})
		},
	})
	g.AddCommand(&cobra.Command{
		Use:   "leave <actor-id> <group-id>",
		Short: "Remove an actor from a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.LeaveGroup(ctx, args[0], args[1], viper.GetString("actor-id"))
			})
		},
	})
	g.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				groups, err := r.ListGroups(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(groups)
			})
		},
	})
	return g
}

// --- apikey ---

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actorID, name, key string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			if key == "" {
				return fmt.Errorf("--key required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k := domain.APIKey{
					ID:      fmt.Sprintf("key-%d", time.Now().UnixNano()),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := r.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				fmt.Printf("API key %s created for actor %s\n", k.ID, actorID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	create.Flags().StringVar(&key, "key", "", "key material (stored hashed)")
	a.AddCommand(create)

	a.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})

	a.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return a
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the notification cron",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			if err := app.EnsurePipeline(cmd.Context(), r, cfg, viper.GetString("actor-id")); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			scanner := newScanner(conn, cfg)
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			jwtSecret := os.Getenv("MOBIFLOW_JWT_SECRET")
			if jwtSecret == "" {
				jwtSecret = cfg.Server.JWTSecret
			}
			authCfg := server.AuthConfig{
				JWTSecret:              jwtSecret,
				AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
			}
			handler, err := server.New(server.Config{Engine: e, Scanner: scanner, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			// Scheduled scans run next to the API server.
			schedule := cfg.Notifier.ScanCron
			if schedule == "" {
				schedule = "0 * * * *"
			}
			c := cron.New()
			if _, err := c.AddFunc(schedule, func() {
				if _, err := scanner.RunAll(context.Background()); err != nil {
					fmt.Println("notify scan:", err)
				}
			}); err != nil {
				return fmt.Errorf("invalid scan_cron %q: %w", schedule, err)
			}
			c.Start()
			defer c.Stop()

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Mobiflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	if err := app.EnsurePipeline(ctx, r, cfg, viper.GetString("actor-id")); err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withScanner(ctx context.Context, fn func(context.Context, notify.Scanner) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, newScanner(conn, cfg))
}

func newScanner(conn *sql.DB, cfg *config.Config) notify.Scanner {
	var mailer mail.Mailer = mail.Log{}
	if cfg.Mail.Mode == "smtp" {
		mailer = mail.SMTP{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
			Timeout:  time.Duration(cfg.Mail.TimeoutSeconds) * time.Second,
		}
	}
	s := notify.New(conn, mailer)
	if cfg.Notifier.MaxAttempts > 0 {
		s.MaxAttempts = cfg.Notifier.MaxAttempts
	}
	if cfg.Notifier.DedupHours > 0 {
		s.DedupWindow = time.Duration(cfg.Notifier.DedupHours) * time.Hour
	}
	return s
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
