package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/abelbrown/gribsync/internal/cache"
	"github.com/abelbrown/gribsync/internal/dataset"
	"github.com/abelbrown/gribsync/internal/resolver"
	"github.com/abelbrown/gribsync/internal/store"
)

var (
	planAt      string
	planObserve bool
	planDataset string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show which cycle each forecast hour would be downloaded from",
	Long: `Resolve every forecast hour of the horizon to the freshest cycle whose
file is already published. With --dataset the table also shows whether the
file is in the cache.`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planAt, "at", "", "resolve at this RFC 3339 time instead of now")
	planCmd.Flags().BoolVar(&planObserve, "observe", false, "measure offsets from directory listings")
	planCmd.Flags().StringVarP(&planDataset, "dataset", "d", "", "show cache state for this dataset name")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	now := time.Now()
	if planAt != "" {
		now, err = time.Parse(time.RFC3339, planAt)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
	}

	m, err := buildModel(cmd.Context(), cfg, planObserve)
	if err != nil {
		return err
	}
	plan := resolver.Plan(m, now)

	// Optional cache column.
	var cached func(resolver.Planned) string
	if planDataset != "" {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		req, err := findDataset(cmd.Context(), st, cfg.Datasets, planDataset)
		if err != nil {
			return err
		}
		c, err := cache.New(cfg.Engine.CacheDir, cfg.Naming, st, quietLogger(cfg))
		if err != nil {
			return err
		}
		cached = func(p resolver.Planned) string {
			f, ok := c.Lookup(cmd.Context(), req.ID, p.Base, p.Step)
			if !ok {
				return dimStyle.Render("-")
			}
			return humanize.Bytes(uint64(f.Size))
		}
	}

	headers := []string{"VALID", "CYCLE", "STEP", "KIND", "PUBLISHED"}
	if cached != nil {
		headers = append(headers, "CACHED")
	}
	rows := make([][]string, 0, len(plan))
	for _, p := range plan {
		row := []string{
			p.ValidTime.UTC().Format("Jan 02 15Z"),
			p.Base.UTC().Format("20060102T15Z"),
			"+" + strconv.Itoa(p.Step),
			p.Kind.String(),
			humanize.RelTime(p.ReadyAt, now, "ago", "from now"),
		}
		if cached != nil {
			row = append(row, cached(p))
		}
		rows = append(rows, row)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d forecast hours resolved at %s (%s model)\n\n",
		len(plan), now.UTC().Format(time.RFC3339), m.Origin())
	fmt.Fprintln(out, t.String())
	return nil
}

// findDataset looks a dataset up by name among the stored ones, then among
// the configured ones.
func findDataset(ctx context.Context, st *store.Store, configured []dataset.Request, name string) (dataset.Request, error) {
	stored, err := st.LoadDatasets(ctx)
	if err != nil && len(stored) == 0 {
		return dataset.Request{}, err
	}
	for _, r := range stored {
		if strings.EqualFold(r.Name, name) {
			return r, nil
		}
	}
	for _, r := range configured {
		if strings.EqualFold(r.Name, name) {
			if r.ID == "" {
				r.ID = dataset.StableID(r.Name)
			}
			return r, nil
		}
	}
	return dataset.Request{}, fmt.Errorf("%w: %s", dataset.ErrNotFound, name)
}
