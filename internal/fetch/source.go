package fetch

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Source describes where a product lives on the remote server. Patterns may
// use the tokens {yyyyMMdd} and {HH} (cycle base date and hour, UTC) and
// {step} (forecast step, two digits).
type Source struct {
	BaseURL          string `yaml:"base_url"`
	DirectoryPattern string `yaml:"directory_pattern"` // listing path, e.g. /pub/data/nccf/com/hrrr/prod/hrrr.{yyyyMMdd}/conus/
	FilterPath       string `yaml:"filter_path"`       // grib filter CGI, e.g. /cgi-bin/filter_hrrr_2d.pl
	FilterDirPattern string `yaml:"filter_dir_pattern"`
	FilePattern      string `yaml:"file_pattern"`
}

// Validate checks the source has everything URL building needs.
func (s Source) Validate() error {
	u, err := url.Parse(s.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url %q is not an absolute URL", s.BaseURL)
	}
	if !strings.Contains(s.FilePattern, "{step}") {
		return fmt.Errorf("file_pattern %q has no {step} token", s.FilePattern)
	}
	if !strings.Contains(s.FilePattern, "{HH}") && !strings.Contains(s.FilterDirPattern, "{HH}") {
		return fmt.Errorf("neither file_pattern nor filter_dir_pattern carries the cycle hour")
	}
	if s.FilterPath == "" {
		return fmt.Errorf("filter_path is required")
	}
	return nil
}

// Subset is the region, variables and levels the filter should cut out.
type Subset struct {
	Top, Bottom, Left, Right float64
	Fields                   []string
	Levels                   []string
}

// Expand substitutes the cycle and step tokens in pattern.
func Expand(pattern string, base time.Time, step int) string {
	base = base.UTC()
	r := strings.NewReplacer(
		"{yyyyMMdd}", base.Format("20060102"),
		"{HH}", base.Format("15"),
		"{step}", fmt.Sprintf("%02d", step),
	)
	return r.Replace(pattern)
}

// DirectoryURL is the listing URL of the directory holding the files of the
// cycle based at base.
func (s Source) DirectoryURL(base time.Time) string {
	return s.join(Expand(s.DirectoryPattern, base, 0))
}

// FileName is the remote file name of one step.
func (s Source) FileName(base time.Time, step int) string {
	return Expand(s.FilePattern, base, step)
}

// FileURL is the unfiltered URL of one step.
func (s Source) FileURL(base time.Time, step int) string {
	return strings.TrimRight(s.DirectoryURL(base), "/") + "/" + s.FileName(base, step)
}

// FilterURL asks the grib filter for one step cut down to sub.
func (s Source) FilterURL(base time.Time, step int, sub Subset) string {
	q := url.Values{}
	q.Set("dir", Expand(s.FilterDirPattern, base, step))
	q.Set("file", s.FileName(base, step))
	for _, f := range sub.Fields {
		q.Set("var_"+f, "on")
	}
	for _, l := range sub.Levels {
		q.Set("lev_"+l, "on")
	}
	q.Set("subregion", "")
	q.Set("toplat", formatCoord(sub.Top))
	q.Set("bottomlat", formatCoord(sub.Bottom))
	q.Set("leftlon", formatCoord(sub.Left))
	q.Set("rightlon", formatCoord(sub.Right))
	return s.join(s.FilterPath) + "?" + q.Encode()
}

func (s Source) join(path string) string {
	return strings.TrimRight(s.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
