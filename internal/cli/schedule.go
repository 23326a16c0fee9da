package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/abelbrown/gribsync/internal/config"
	"github.com/abelbrown/gribsync/internal/schedule"
)

var (
	scheduleObserve bool

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show when each forecast step is expected on the server",
	Long: `Print the publication offsets of every step for regular and extended
cycles. With --observe the offsets are measured from the server's directory
listings of recent cycles instead of interpolated from the config.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		m, err := buildModel(cmd.Context(), cfg, scheduleObserve)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s model, cycles every %s, extra delay %s\n\n",
			m.Origin(), m.CycleInterval(), m.ExtraDelay())
		fmt.Fprintln(out, offsetTable(m))
		return nil
	},
}

func init() {
	scheduleCmd.Flags().BoolVar(&scheduleObserve, "observe", false, "measure offsets from directory listings")
}

// buildModel returns the estimated model, or an observed one when observe
// is set. Observation falls back to the estimate on any failure.
func buildModel(ctx context.Context, cfg *config.Config, observe bool) (*schedule.Model, error) {
	logger := quietLogger(cfg)
	b, err := newBuilder(cfg, newClient(cfg), observe, logger)
	if err != nil {
		return nil, err
	}
	if !observe {
		return b.Estimated(), nil
	}
	return b.Build(ctx, time.Now()), nil
}

// offsetTable lays both kinds out side by side, one row per step.
func offsetTable(m *schedule.Model) string {
	reg, ext := m.Offsets(schedule.Regular), m.Offsets(schedule.Extended)
	first := min(reg.Range.First, ext.Range.First)
	last := max(reg.Range.Last, ext.Range.Last)

	cell := func(o schedule.StepOffsets, step int) string {
		d, ok := o.At(step)
		if !ok {
			return dimStyle.Render("-")
		}
		return formatOffset(d)
	}

	rows := make([][]string, 0, last-first+1)
	for s := first; s <= last; s++ {
		rows = append(rows, []string{strconv.Itoa(s), cell(reg, s), cell(ext, s)})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("STEP", "REGULAR", "EXTENDED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

// formatOffset renders 1h25m0s as "+1h25m".
func formatOffset(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	switch {
	case s != 0:
		return fmt.Sprintf("+%dh%02dm%02ds", h, m, s)
	case h == 0:
		return fmt.Sprintf("+%dm", m)
	default:
		return fmt.Sprintf("+%dh%02dm", h, m)
	}
}
