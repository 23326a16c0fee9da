package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abelbrown/gribsync/internal/otel"
)

var eventsOpts struct {
	tail    int
	follow  bool
	kind    string
	level   string
	comp    string
	dataset string
	json    bool
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the event journal",
	Long: `Print the newest events of the journal configured as logging.events_file,
optionally filtered, and with -f keep printing new ones as they arrive.`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	f := eventsCmd.Flags()
	f.IntVarP(&eventsOpts.tail, "tail", "n", 50, "number of recent events to show")
	f.BoolVarP(&eventsOpts.follow, "follow", "f", false, "follow mode (like tail -f)")
	f.StringVar(&eventsOpts.kind, "kind", "", "filter by event kind prefix (e.g. 'fetch')")
	f.StringVar(&eventsOpts.level, "level", "", "minimum level: debug, info, warn, error")
	f.StringVar(&eventsOpts.comp, "comp", "", "filter by component name")
	f.StringVarP(&eventsOpts.dataset, "dataset", "d", "", "filter by dataset ID")
	f.BoolVar(&eventsOpts.json, "json", false, "output raw JSON lines")
}

// eventFilter selects journal events.
type eventFilter struct {
	kind, comp, dataset string
	minLevel            int
}

// levelRank returns a numeric rank for filtering (higher = more severe).
func levelRank(level otel.Level) int {
	switch level {
	case otel.LevelInfo:
		return 1
	case otel.LevelWarn:
		return 2
	case otel.LevelError:
		return 3
	default:
		return 0
	}
}

func (f eventFilter) match(ev otel.Event) bool {
	if f.kind != "" && !strings.HasPrefix(string(ev.Kind), f.kind) {
		return false
	}
	if levelRank(ev.Level) < f.minLevel {
		return false
	}
	if f.comp != "" && ev.Comp != f.comp {
		return false
	}
	return f.dataset == "" || ev.Dataset == f.dataset
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Logging.EventsFile
	if path == "" {
		return errors.New("logging.events_file is not set; the journal is kept in memory only (see GET /events)")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	defer f.Close()

	filter := eventFilter{
		kind:     eventsOpts.kind,
		comp:     eventsOpts.comp,
		dataset:  eventsOpts.dataset,
		minLevel: levelRank(otel.Level(eventsOpts.level)),
	}
	out := cmd.OutOrStdout()
	emit := func(l parsedLine) {
		if eventsOpts.json {
			fmt.Fprintln(out, string(l.raw))
			return
		}
		fmt.Fprintln(out, formatEvent(l.ev))
	}

	for _, l := range readTailLines(f, eventsOpts.tail, filter.match) {
		emit(l)
	}
	if !eventsOpts.follow {
		return nil
	}

	// Poll for lines appended after the ones already read.
	ctx := cmd.Context()
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		line = trimLine(line)
		var ev otel.Event
		if len(line) == 0 || json.Unmarshal(line, &ev) != nil {
			continue
		}
		if filter.match(ev) {
			emit(parsedLine{ev: ev, raw: line})
		}
	}
}

func formatEvent(ev otel.Event) string {
	lvl := strings.ToUpper(string(ev.Level))
	if lvl == "" {
		lvl = "?"
	}
	parts := []string{fmt.Sprintf("%s %-5s [%-8s] %-16s", ev.Time.Format("15:04:05.000"), lvl, ev.Comp, ev.Kind)}

	if ev.Task != "" {
		parts = append(parts, ev.Task)
	}
	if ev.Msg != "" {
		parts = append(parts, ev.Msg)
	}
	if ev.DurMs > 0 {
		parts = append(parts, fmt.Sprintf("(%.*fms)", durPrecision(ev.DurMs), ev.DurMs))
	}
	if ev.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", ev.Attempt))
	}
	if ev.Count > 0 {
		parts = append(parts, fmt.Sprintf("n=%d", ev.Count))
	}
	if ev.Bytes > 0 {
		parts = append(parts, fmt.Sprintf("bytes=%d", ev.Bytes))
	}
	if ev.Dataset != "" {
		parts = append(parts, "ds="+ev.Dataset)
	}
	if ev.Err != "" {
		parts = append(parts, "err="+ev.Err)
	}
	return strings.Join(parts, " ")
}

type parsedLine struct {
	ev  otel.Event
	raw []byte
}

// readTailLines reads r to the end and returns the last n lines matching
// the filter.
func readTailLines(r io.Reader, n int, match func(otel.Event) bool) []parsedLine {
	if n <= 0 {
		_, _ = io.Copy(io.Discard, r)
		return nil
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	ring := make([]parsedLine, 0, n)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev otel.Event
		if json.Unmarshal(raw, &ev) != nil || !match(ev) {
			continue
		}
		// The scanner reuses its buffer.
		line := parsedLine{ev: ev, raw: append([]byte(nil), raw...)}
		if len(ring) < n {
			ring = append(ring, line)
		} else {
			copy(ring, ring[1:])
			ring[n-1] = line
		}
	}
	return ring
}

func trimLine(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func durPrecision(ms float64) int {
	if ms >= 100 {
		return 0
	}
	if ms >= 1 {
		return 1
	}
	return 2
}
