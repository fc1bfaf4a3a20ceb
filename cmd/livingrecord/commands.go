package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/getpup/livingrecord/crm"
	"github.com/getpup/livingrecord/es"
	"github.com/getpup/livingrecord/es/adapters/sqlstore"
	"github.com/getpup/livingrecord/es/migrations"
)

func (a *app) migrateCommand() *cobra.Command {
	var (
		emit     string
		dialect  string
		filename string
		prefix   string
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema, or write it to a migration file with --emit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if emit != "" {
				var opts []sqlstore.StoreOption
				if prefix != "" {
					opts = append(opts, sqlstore.WithTablePrefix(prefix))
				}
				mc := migrationConfig(sqlstore.NewStoreConfig(opts...))
				mc.OutputFolder = emit
				if filename != "" {
					mc.OutputFilename = filename
				}
				if err := migrations.Generate(dialect, &mc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Generated %s migration: %s/%s\n", dialect, mc.OutputFolder, mc.OutputFilename)
				return nil
			}

			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			mc := migrationConfig(a.backend.Config())
			if err := migrations.Apply(cmd.Context(), a.db, a.backend.Dialect().Name(), &mc); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
	cmd.Flags().StringVar(&emit, "emit", "", "write the migration to this folder instead of applying it")
	cmd.Flags().StringVar(&dialect, "dialect", migrations.Postgres, "dialect of the emitted migration: postgres, mysql or sqlite")
	cmd.Flags().StringVar(&filename, "filename", "", "emitted file name (default: timestamp-based)")
	cmd.Flags().StringVar(&prefix, "table-prefix", "", "prefix for every emitted table name")
	return cmd
}

func (a *app) rebuildCommand() *cobra.Command {
	var entityType string
	cmd := &cobra.Command{
		Use:   "rebuild [ref...]",
		Short: "Replay history from the first event and rewrite materialized rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			if entityType != "" {
				report, err := a.service.VerifyAll(cmd.Context(), entityType, true)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Checked %d %s records, rebuilt %d\n", report.Checked, entityType, report.Repaired)
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("give entity refs or --type")
			}
			for _, arg := range args {
				ref, err := es.ParseRef(arg)
				if err != nil {
					return err
				}
				rec, err := a.service.Rebuild(cmd.Context(), ref)
				if err != nil {
					return fmt.Errorf("rebuild %s: %w", ref, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt %s at sequence %d\n", ref, rec.Sequence)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&entityType, "type", "", "rebuild every diverged record of this entity type")
	return cmd
}

func (a *app) verifyCommand() *cobra.Command {
	var (
		entityTypes []string
		repair      bool
	)
	cmd := &cobra.Command{
		Use:   "verify [ref...]",
		Short: "Compare materialized rows with a replay of their history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			diverged := 0
			if len(args) > 0 {
				for _, arg := range args {
					ref, err := es.ParseRef(arg)
					if err != nil {
						return err
					}
					d, err := a.service.Verify(cmd.Context(), ref)
					if err != nil {
						return fmt.Errorf("verify %s: %w", ref, err)
					}
					if d == nil {
						fmt.Fprintf(out, "%s: ok\n", ref)
						continue
					}
					diverged++
					fmt.Fprintln(out, d.String())
					if repair {
						if _, err := a.service.Rebuild(cmd.Context(), ref); err != nil {
							return err
						}
						diverged--
					}
				}
			} else {
				if len(entityTypes) == 0 {
					cfg, err := a.loadConfig()
					if err != nil {
						return err
					}
					entityTypes = cfg.Service.EntityTypes
				}
				for _, t := range entityTypes {
					report, err := a.service.VerifyAll(cmd.Context(), t, repair)
					if err != nil {
						return err
					}
					for i := range report.Diverged {
						fmt.Fprintln(out, report.Diverged[i].String())
					}
					fmt.Fprintf(out, "%s: checked %d, diverged %d, repaired %d\n", t, report.Checked, len(report.Diverged), report.Repaired)
					diverged += len(report.Diverged) - report.Repaired
				}
			}

			if diverged > 0 {
				return fmt.Errorf("%d materialized rows diverge from history", diverged)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&entityTypes, "type", nil, "entity types to verify (default: configured types)")
	cmd.Flags().BoolVar(&repair, "repair", false, "rebuild diverged rows")
	return cmd
}

func (a *app) snapshotCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "snapshot ref...",
		Short: "Snapshot records whose history grew past the threshold",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			for _, arg := range args {
				ref, err := es.ParseRef(arg)
				if err != nil {
					return err
				}
				if force {
					snap, err := a.snapshots.Snapshot(cmd.Context(), a.db, ref)
					if err != nil {
						return fmt.Errorf("snapshot %s: %w", ref, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: snapshot at sequence %d\n", ref, snap.AsOfSequence)
					continue
				}
				taken, err := a.snapshots.MaybeSnapshot(cmd.Context(), a.db, ref)
				if err != nil {
					return fmt.Errorf("snapshot %s: %w", ref, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: snapshot taken: %t\n", ref, taken)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "snapshot regardless of the threshold")
	return cmd
}

func (a *app) stateAsOfCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state-as-of ref time",
		Short: "Print a record as it was at an RFC 3339 time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := es.ParseRef(args[0])
			if err != nil {
				return err
			}
			at, err := time.Parse(time.RFC3339Nano, args[1])
			if err != nil {
				return fmt.Errorf("parse time: %w", err)
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			rec, err := a.service.StateAsOf(cmd.Context(), ref, at)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func (a *app) historyCommand() *cobra.Command {
	var includeMerged bool
	cmd := &cobra.Command{
		Use:   "history ref",
		Short: "List the events of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := es.ParseRef(args[0])
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			events, err := a.service.History(cmd.Context(), ref, includeMerged)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "OCCURRED AT\tENTITY\tSEQ\tTYPE\tACTOR")
			for _, e := range events {
				actor := "system"
				if e.ActorID.Valid {
					actor = e.ActorID.UUID.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.OccurredAt.Format(time.RFC3339Nano), e.Ref(), e.Sequence, e.EventType, actor)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&includeMerged, "include-merged", false, "interleave the history of absorbed records")
	return cmd
}

func (a *app) candidatesCommand() *cobra.Command {
	var (
		status   string
		limit    int
		actor    string
		survivor string
	)
	actorID := func() (uuid.NullUUID, error) {
		if actor == "" {
			return uuid.NullUUID{}, nil
		}
		id, err := uuid.Parse(actor)
		if err != nil {
			return uuid.NullUUID{}, fmt.Errorf("parse actor: %w", err)
		}
		return crm.Actor(id), nil
	}

	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "Review match candidates",
	}
	cmd.PersistentFlags().StringVar(&actor, "actor", "", "reviewing user id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List candidates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			candidates, err := a.service.ListCandidates(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCONFIDENCE\tA\tB")
			for _, c := range candidates {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\n", c.ID, c.EntityType, c.Status, c.Confidence, nullID(c.EntityA), nullID(c.EntityB))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "pending", "candidate status; empty lists all")
	list.Flags().IntVar(&limit, "limit", 100, "maximum candidates listed")

	approve := &cobra.Command{
		Use:   "approve candidate-id",
		Short: "Merge a pending candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			who, err := actorID()
			if err != nil {
				return err
			}
			var keep *uuid.UUID
			if survivor != "" {
				s, err := uuid.Parse(survivor)
				if err != nil {
					return fmt.Errorf("parse survivor: %w", err)
				}
				keep = &s
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			res, err := a.service.Approve(cmd.Context(), id, who, keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Merged %s into %s\n", res.Duplicate.Ref, res.Survivor.Ref)
			return nil
		},
	}
	approve.Flags().StringVar(&survivor, "survivor", "", "id of the surviving record (default: the older one)")

	reject := &cobra.Command{
		Use:   "reject candidate-id",
		Short: "Reject a pending candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			who, err := actorID()
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			if _, err := a.service.Reject(cmd.Context(), id, who); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s\n", id)
			return nil
		},
	}

	split := &cobra.Command{
		Use:   "split candidate-id",
		Short: "Reverse a merge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			who, err := actorID()
			if err != nil {
				return err
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			res, err := a.service.Split(cmd.Context(), id, who)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Split %s out of %s\n", res.Created.Ref, res.Holder.Ref)
			return nil
		},
	}

	cmd.AddCommand(list, approve, reject, split)
	return cmd
}

func (a *app) eraseCommand() *cobra.Command {
	var (
		reason string
		actor  string
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "erase ref",
		Short: "Permanently delete every trace of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := es.ParseRef(args[0])
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("erasure cannot be undone; pass --yes to erase %s", ref)
			}
			var who uuid.NullUUID
			if actor != "" {
				id, err := uuid.Parse(actor)
				if err != nil {
					return fmt.Errorf("parse actor: %w", err)
				}
				who = crm.Actor(id)
			}
			if err := a.open(cmd.Context()); err != nil {
				return err
			}
			e, err := a.service.Erase(cmd.Context(), ref, who, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Erased %s: %d events, %d snapshots (erasure %s)\n", ref, e.EventsDeleted, e.SnapshotsDeleted, e.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the erasure log (required)")
	cmd.Flags().StringVar(&actor, "actor", "", "id of the user requesting the erasure")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the erasure")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func nullID(id uuid.NullUUID) string {
	if !id.Valid {
		return "-"
	}
	return id.UUID.String()
}
