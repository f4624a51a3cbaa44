package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/heardly/localsync/internal/record"
	"github.com/heardly/localsync/internal/store"
)

type entityStatus struct {
	name    string
	total   int
	pending int
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store sync state",
	Long: `Show how much local data exists per entity and how much of it is
waiting to be pushed. Pending rows are mutations (including tombstones)
the backend has not confirmed yet.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()
		ctx := context.Background()
		if err := st.Migrate(ctx); err != nil {
			fatalf("%v", err)
		}

		var rows []entityStatus
		for _, collect := range []func() (entityStatus, error){
			func() (entityStatus, error) { return entityStatusOf(ctx, st, store.Progress) },
			func() (entityStatus, error) { return entityStatusOf(ctx, st, store.Comments) },
			func() (entityStatus, error) { return entityStatusOf(ctx, st, store.Profiles) },
			func() (entityStatus, error) { return entityStatusOf(ctx, st, store.Selections) },
			func() (entityStatus, error) { return entityStatusOf(ctx, st, store.Notifications) },
		} {
			s, err := collect()
			if err != nil {
				fatalf("%v", err)
			}
			rows = append(rows, s)
		}

		fmt.Printf("%s  %s\n", boldStyle.Render(fmt.Sprintf("%-15s", "ENTITY")),
			boldStyle.Render(fmt.Sprintf("%8s %8s", "RECORDS", "PENDING")))
		var totalPending int
		for _, s := range rows {
			pending := fmt.Sprintf("%8d", s.pending)
			if s.pending > 0 {
				pending = failStyle.Render(pending)
			} else {
				pending = dimStyle.Render(pending)
			}
			fmt.Printf("%-15s  %8d %s\n", s.name, s.total, pending)
			totalPending += s.pending
		}

		fmt.Println()
		if totalPending == 0 {
			fmt.Println(okStyle.Render("✓ Everything synced"))
		} else {
			fmt.Printf("%s %d rows waiting to push. Run: localsync sync\n",
				failStyle.Render("✗"), totalPending)
		}
	},
}

func entityStatusOf[T record.Syncable](ctx context.Context, st *store.Store, tbl store.Table[T]) (entityStatus, error) {
	total, err := st.Count(ctx, tbl.Name)
	if err != nil {
		return entityStatus{}, err
	}
	dirty, err := store.Dirty(ctx, st, tbl, "")
	if err != nil {
		return entityStatus{}, err
	}
	return entityStatus{name: tbl.Name, total: total, pending: len(dirty)}, nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
