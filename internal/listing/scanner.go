package listing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/abelbrown/gribsync/internal/fetch"
	"github.com/abelbrown/gribsync/internal/schedule"
)

// Scanner turns directory listings into schedule samples. It implements
// schedule.SampleSource.
type Scanner struct {
	get  fetch.Getter
	src  fetch.Source
	file *regexp.Regexp
}

// NewScanner compiles the source's file pattern into a matcher.
func NewScanner(get fetch.Getter, src fetch.Source) (*Scanner, error) {
	re, err := fileRegexp(src.FilePattern)
	if err != nil {
		return nil, err
	}
	return &Scanner{get: get, src: src, file: re}, nil
}

func fileRegexp(pattern string) (*regexp.Regexp, error) {
	expr := strings.NewReplacer(
		regexp.QuoteMeta("{HH}"), `(?P<hour>\d{2})`,
		regexp.QuoteMeta("{step}"), `(?P<step>\d{2,3})`,
		regexp.QuoteMeta("{yyyyMMdd}"), `\d{8}`,
	).Replace(regexp.QuoteMeta(pattern))
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil, fmt.Errorf("file pattern %q: %w", pattern, err)
	}
	if re.SubexpIndex("step") < 0 {
		return nil, fmt.Errorf("file pattern %q has no {step} token", pattern)
	}
	return re, nil
}

// Samples lists the directory of every base once and reports when each
// file of those cycles appeared.
func (s *Scanner) Samples(ctx context.Context, bases []time.Time) ([]schedule.Sample, error) {
	byDir := make(map[string][]time.Time)
	var dirs []string
	for _, b := range bases {
		u := s.src.DirectoryURL(b)
		if _, ok := byDir[u]; !ok {
			dirs = append(dirs, u)
		}
		byDir[u] = append(byDir[u], b.UTC())
	}

	var out []schedule.Sample
	for _, dir := range dirs {
		body, err := s.get.Get(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		entries, err := Parse(bytes.NewReader(body))
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				pe.URL = dir
			}
			return nil, err
		}
		out = append(out, s.match(entries, byDir[dir])...)
	}
	return out, nil
}

func (s *Scanner) match(entries []Entry, bases []time.Time) []schedule.Sample {
	hourIdx := s.file.SubexpIndex("hour")
	stepIdx := s.file.SubexpIndex("step")

	var out []schedule.Sample
	for _, e := range entries {
		m := s.file.FindStringSubmatch(e.Name)
		if m == nil {
			continue
		}
		step, err := strconv.Atoi(m[stepIdx])
		if err != nil {
			continue
		}

		base, ok := bases[0], true
		if hourIdx >= 0 {
			hour, _ := strconv.Atoi(m[hourIdx])
			base, ok = pickHour(bases, hour)
		}
		if !ok {
			continue
		}
		out = append(out, schedule.Sample{Base: base, Step: step, Published: e.Modified})
	}
	return out
}

func pickHour(bases []time.Time, hour int) (time.Time, bool) {
	for _, b := range bases {
		if b.Hour() == hour {
			return b, true
		}
	}
	return time.Time{}, false
}
