package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitesync/internal/app"
	"sitesync/internal/domain"
	"sitesync/internal/engine"
	"sitesync/internal/repo"
	"sitesync/internal/server"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}

	var id, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project owned by --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateProject(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return renderProjects([]domain.Project{p})
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "project id")
	create.Flags().StringVar(&name, "name", "", "display name")
	_ = create.MarkFlagRequired("id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				return renderProjects(items)
			})
		},
	}

	status := func(use, short, value string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					projectID, err := resolveProject(ctx, a)
					if err != nil {
						return err
					}
					if err := a.Engine.SetProjectStatus(ctx, projectID, value, viper.GetString("actor-id")); err != nil {
						return err
					}
					fmt.Printf("project %s is %s\n", projectID, value)
					return nil
				})
			},
		}
	}
	prj.AddCommand(create, list,
		status("archive", "Archive a project; its actions are rejected afterwards", domain.ProjectArchived),
		status("activate", "Reactivate an archived project", domain.ProjectActive),
	)
	return prj
}

func renderProjects(items []domain.Project) error {
	rows := make([]table.Row, 0, len(items))
	for _, p := range items {
		rows = append(rows, table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
	}
	return render(items, table.Row{"ID", "NAME", "STATUS", "CREATED"}, rows)
}

func memberCmd() *cobra.Command {
	mem := &cobra.Command{Use: "member", Short: "Manage project members"}
	var actor, role string
	change := func(use, short string, fn func(context.Context, engine.Engine, string) error) *cobra.Command {
		cmd := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					projectID, err := resolveProject(ctx, a)
					if err != nil {
						return err
					}
					return fn(ctx, a.Engine, projectID)
				})
			},
		}
		cmd.Flags().StringVar(&actor, "actor", "", "member actor id")
		cmd.Flags().StringVar(&role, "role", "", "role id, e.g. LABOUR")
		_ = cmd.MarkFlagRequired("actor")
		_ = cmd.MarkFlagRequired("role")
		return cmd
	}
	add := change("add", "Grant a role in the project", func(ctx context.Context, e engine.Engine, projectID string) error {
		if err := e.AddMember(ctx, projectID, actor, domain.Role(strings.ToUpper(role)), viper.GetString("actor-id")); err != nil {
			return err
		}
		fmt.Printf("%s is %s in %s\n", actor, strings.ToUpper(role), projectID)
		return nil
	})
	remove := change("remove", "Revoke a role in the project", func(ctx context.Context, e engine.Engine, projectID string) error {
		if err := e.RemoveMember(ctx, projectID, actor, domain.Role(strings.ToUpper(role)), viper.GetString("actor-id")); err != nil {
			return err
		}
		fmt.Printf("revoked %s from %s in %s\n", strings.ToUpper(role), actor, projectID)
		return nil
	})
	list := &cobra.Command{
		Use:   "list",
		Short: "List members and their roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := resolveProject(ctx, a)
				if err != nil {
					return err
				}
				items, err := a.Engine.Repo.ListMembers(ctx, projectID)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, m := range items {
					rows = append(rows, table.Row{m.ActorID, m.RoleID})
				}
				return render(items, table.Row{"ACTOR", "ROLE"}, rows)
			})
		},
	}
	mem.AddCommand(add, remove, list)
	return mem
}

func rbacCmd() *cobra.Command {
	rb := &cobra.Command{Use: "rbac", Short: "Roles and permissions"}
	rb.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Apply roles from the config to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			// app.Open already syncs; report what is in effect.
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var rows []table.Row
				for _, id := range sortedKeys(a.Config.RBAC.Roles) {
					perms, err := a.Engine.Repo.RolePermissions(ctx, nil, id)
					if err != nil {
						return err
					}
					rows = append(rows, table.Row{id, strings.Join(perms, ", ")})
				}
				return render(a.Config.RBAC.Roles, table.Row{"ROLE", "PERMISSIONS"}, rows)
			})
		},
	})
	return rb
}

func syncCmd() *cobra.Command {
	sc := &cobra.Command{Use: "sync", Short: "Process uploaded actions"}
	var file, actor, channelName string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Process a batch file as if uploaded by --actor",
		Long: `Reads {"actions":[...]} or a bare JSON array of actions and runs it through
the same pipeline as the HTTP endpoints. Useful for replaying exported device queues.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raws, err := readBatchFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				channels, err := a.Config.ChannelSet()
				if err != nil {
					return err
				}
				ch, err := channels.Get(channelName)
				if err != nil {
					return err
				}
				res, err := a.Engine.ProcessBatch(ctx, domain.Actor{ID: actor}, ch, raws)
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					if rerr := renderResult(res); rerr != nil {
						return rerr
					}
					return fmt.Errorf("interrupted after %d of %d actions: %w", res.Summary.Total, len(raws), err)
				}
				if err != nil {
					return err
				}
				return renderResult(res)
			})
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "batch JSON file ('-' for stdin)")
	apply.Flags().StringVar(&actor, "actor", "", "uploading actor id")
	apply.Flags().StringVar(&channelName, "channel", "generic", "channel: generic, labour, engineer or a configured one")
	_ = apply.MarkFlagRequired("file")
	_ = apply.MarkFlagRequired("actor")
	sc.AddCommand(apply)
	return sc
}

func readBatchFile(path string) ([]json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err == nil {
		return raws, nil
	}
	var wrapped struct {
		Actions []json.RawMessage `json:"actions"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("invalid batch file: %w", err)
	}
	return wrapped.Actions, nil
}

func renderResult(res engine.Result) error {
	var rows []table.Row
	for _, a := range res.Applied {
		rows = append(rows, table.Row{a.ActionID, a.ActionType, "applied", a.EntityID})
	}
	for _, s := range res.Skipped {
		rows = append(rows, table.Row{s.ID, s.ActionType, "skipped (" + string(s.Status) + ")", orDash(s.EntityID)})
	}
	for _, r := range res.Rejected {
		rows = append(rows, table.Row{orDash(r.ID), orDash(string(r.ActionType)), "rejected", r.Reason})
	}
	if err := render(res, table.Row{"ACTION", "TYPE", "OUTCOME", "ENTITY / REASON"}, rows); err != nil {
		return err
	}
	if !viper.GetBool("json") {
		s := res.Summary
		fmt.Printf("total %d: %d applied, %d skipped, %d rejected\n", s.Total, s.AppliedCount, s.SkippedCount, s.RejectedCount)
	}
	return nil
}

func ledgerCmd() *cobra.Command {
	lg := &cobra.Command{Use: "ledger", Short: "Inspect processed actions"}
	show := &cobra.Command{
		Use:   "show <action_id>",
		Short: "Show one ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Engine.Repo.GetLedgerEntry(ctx, nil, args[0])
				if err != nil {
					return fmt.Errorf("action %s: %w", args[0], err)
				}
				rows := []table.Row{
					{"action_id", e.ActionID},
					{"action_type", e.ActionType},
					{"status", e.Status},
					{"entity", orDash(e.EntityType) + " " + orDash(e.EntityID)},
					{"actor", e.ActorID},
					{"project", e.ProjectID},
					{"reason", orDash(e.Reason)},
					{"client_ts", orDash(e.ClientTS)},
					{"processed_at", e.ProcessedAt},
				}
				return render(e, table.Row{"FIELD", "VALUE"}, rows)
			})
		},
	}
	var f repo.LedgerFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f.ProjectID = viper.GetString("project")
				f.Status = strings.ToUpper(f.Status)
				items, err := a.Engine.Repo.ListLedgerEntries(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, e := range items {
					rows = append(rows, table.Row{e.ActionID, e.ActionType, e.Status, e.ActorID, e.ProjectID, orDash(e.EntityID), e.ProcessedAt})
				}
				return render(items, table.Row{"ACTION", "TYPE", "STATUS", "ACTOR", "PROJECT", "ENTITY", "PROCESSED"}, rows)
			})
		},
	}
	list.Flags().StringVar(&f.ActorID, "actor", "", "filter by actor")
	list.Flags().StringVar(&f.Status, "status", "", "APPLIED or REJECTED")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max entries")
	lg.AddCommand(show, list)
	return lg
}

func attendanceCmd() *cobra.Command {
	at := &cobra.Command{Use: "attendance", Short: "Attendance records"}
	var f repo.AttendanceFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List attendance, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := resolveProject(ctx, a)
				if err != nil {
					return err
				}
				f.ProjectID = projectID
				items, err := a.Engine.Repo.ListAttendance(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, att := range items {
					out, hours := "-", "-"
					if att.CheckOutAt != nil {
						out = *att.CheckOutAt
					}
					if att.WorkHours != nil {
						hours = fmt.Sprintf("%.2f", *att.WorkHours)
					}
					rows = append(rows, table.Row{att.ID, att.ActorID, att.Source, att.CheckInAt, out, hours})
				}
				return render(items, table.Row{"ID", "ACTOR", "SOURCE", "IN", "OUT", "HOURS"}, rows)
			})
		},
	}
	list.Flags().StringVar(&f.ActorID, "actor", "", "filter by actor")
	list.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	at.AddCommand(list)
	return at
}

func materialsCmd() *cobra.Command {
	mc := &cobra.Command{Use: "materials", Short: "Material requests"}
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List material requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := resolveProject(ctx, a)
				if err != nil {
					return err
				}
				items, err := a.Engine.Repo.ListMaterialRequests(ctx, projectID, strings.ToUpper(status))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, mr := range items {
					rows = append(rows, table.Row{mr.ID, mr.MaterialName, fmt.Sprintf("%g %s", mr.Quantity, mr.Unit), mr.Urgency, mr.Status, mr.RequestedBy})
				}
				return render(items, table.Row{"ID", "MATERIAL", "QTY", "URGENCY", "STATUS", "REQUESTED BY"}, rows)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	mc.AddCommand(list)
	return mc
}

func tokenCmd() *cobra.Command {
	tk := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var actor, secret string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint an HS256 token signed with SITESYNC_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = viper.GetString("jwt-secret")
			}
			token, err := server.SignToken(secret, actor, nil, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().StringVar(&actor, "actor", "", "token subject")
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "validity")
	mint.Flags().StringVar(&secret, "jwt-secret", "", "HS256 secret (default $SITESYNC_JWT_SECRET)")
	_ = mint.MarkFlagRequired("actor")
	tk.AddCommand(mint)
	return tk
}

func apiKeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Device API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a key for a field device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, plain, err := a.Engine.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "api_key": plain})
				}
				fmt.Printf("id:      %s\nactor:   %s\napi key: %s\n(store it now; it is not shown again)\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the device acts for")
	create.Flags().StringVar(&name, "name", "", "device label")
	_ = create.MarkFlagRequired("actor")

	list := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, k := range items {
					rows = append(rows, table.Row{k.ID, k.ActorID, orDash(k.Name), k.CreatedAt, orDash(k.LastUsedAt)})
				}
				return render(items, table.Row{"ID", "ACTOR", "NAME", "CREATED", "LAST USED"}, rows)
			})
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "filter by actor")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	ak.AddCommand(create, list, del)
	return ak
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
