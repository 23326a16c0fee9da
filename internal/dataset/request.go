// Package dataset holds the datasets of interest (a region plus a variable
// and level filter) and keeps the download queue fed for each of them.
package dataset

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// idNamespace scopes IDs derived from dataset names.
var idNamespace = uuid.MustParse("5d1f9a52-7c2e-4b8e-9f3a-2c6e0b7d4a11")

var (
	nameRE  = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	tokenRE = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
)

// Region is a latitude/longitude bounding box. Longitudes may be given in
// either -180..180 or 0..360 form.
type Region struct {
	Top    float64 `json:"top" yaml:"top"`
	Bottom float64 `json:"bottom" yaml:"bottom"`
	Left   float64 `json:"left" yaml:"left"`
	Right  float64 `json:"right" yaml:"right"`
}

// Request describes one dataset: which variables at which levels over which
// region. Name appears in cache file names.
type Request struct {
	ID     string   `json:"id" yaml:"id,omitempty"`
	Name   string   `json:"name" yaml:"name"`
	Region Region   `json:"region" yaml:"region"`
	Fields []string `json:"fields" yaml:"fields"`
	Levels []string `json:"levels" yaml:"levels"`
}

// ConfigError reports an invalid Request.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid dataset: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the request without modifying it.
func (r Request) Validate() error {
	if r.ID != "" {
		if _, err := uuid.Parse(r.ID); err != nil {
			return invalid("id", "not a UUID")
		}
	}
	if !nameRE.MatchString(r.Name) {
		return invalid("name", "must be non-empty letters, digits and underscores")
	}

	reg := r.Region
	switch {
	case reg.Top < -90 || reg.Top > 90:
		return invalid("region.top", "latitude %v outside -90..90", reg.Top)
	case reg.Bottom < -90 || reg.Bottom > 90:
		return invalid("region.bottom", "latitude %v outside -90..90", reg.Bottom)
	case reg.Top <= reg.Bottom:
		return invalid("region", "top %v must be north of bottom %v", reg.Top, reg.Bottom)
	case reg.Left < -180 || reg.Left > 360:
		return invalid("region.left", "longitude %v outside -180..360", reg.Left)
	case reg.Right < -180 || reg.Right > 360:
		return invalid("region.right", "longitude %v outside -180..360", reg.Right)
	case reg.Left >= reg.Right:
		return invalid("region", "left %v must be west of right %v", reg.Left, reg.Right)
	}

	if err := validTokens("fields", r.Fields); err != nil {
		return err
	}
	return validTokens("levels", r.Levels)
}

func validTokens(field string, vals []string) error {
	if len(vals) == 0 {
		return invalid(field, "must not be empty")
	}
	seen := make(map[string]bool, len(vals))
	for _, v := range vals {
		if !tokenRE.MatchString(v) {
			return invalid(field, "%q contains characters outside [A-Za-z0-9_.-]", v)
		}
		if seen[v] {
			return invalid(field, "%q listed twice", v)
		}
		seen[v] = true
	}
	return nil
}

// StableID derives the ID of a dataset from its name, so a dataset declared
// in the config file keeps its ID and its cache entries across restarts.
func StableID(name string) string {
	return uuid.NewSHA1(idNamespace, []byte(strings.ToLower(name))).String()
}

// Same reports whether r and o select the same data under the same name.
// IDs are not compared.
func (r Request) Same(o Request) bool {
	return r.Name == o.Name &&
		r.Region == o.Region &&
		slices.Equal(r.Fields, o.Fields) &&
		slices.Equal(r.Levels, o.Levels)
}

func (r Request) clone() Request {
	r.Fields = append([]string(nil), r.Fields...)
	r.Levels = append([]string(nil), r.Levels...)
	return r
}
