package cli

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/abelbrown/gribsync/internal/dataset"
)

var filesDataset string

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List the files in the cache index",
	Args:  cobra.NoArgs,
	RunE:  runFiles,
}

func init() {
	filesCmd.Flags().StringVarP(&filesDataset, "dataset", "d", "", "only this dataset name")
}

func runFiles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var datasets []dataset.Request
	if filesDataset != "" {
		req, err := findDataset(cmd.Context(), st, cfg.Datasets, filesDataset)
		if err != nil {
			return err
		}
		datasets = []dataset.Request{req}
	} else {
		datasets, err = st.LoadDatasets(cmd.Context())
		if err != nil && len(datasets) == 0 {
			return err
		}
	}

	now := time.Now()
	var (
		rows  [][]string
		total int64
	)
	for _, d := range datasets {
		files, err := st.FilesForDataset(cmd.Context(), d.ID)
		if err != nil {
			return fmt.Errorf("files of %s: %w", d.Name, err)
		}
		for _, f := range files {
			total += f.Size
			rows = append(rows, []string{
				d.Name,
				f.Base.UTC().Format("20060102T15Z"),
				"+" + strconv.Itoa(f.Step),
				humanize.Bytes(uint64(f.Size)),
				humanize.RelTime(f.CreatedAt, now, "ago", "from now"),
				filepath.Base(f.Path),
			})
		}
	}

	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "cache is empty")
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("DATASET", "CYCLE", "STEP", "SIZE", "FETCHED", "FILE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Fprintln(out, t.String())
	fmt.Fprintf(out, "%s files, %s\n", humanize.Comma(int64(len(rows))), humanize.Bytes(uint64(total)))
	return nil
}
