// Package listing reads the server's directory index pages and turns them
// into publication-time observations for the schedule builder.
package listing

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Entry is one file in a directory listing.
type Entry struct {
	Name     string
	Modified time.Time
}

// ParseError means a listing page did not look like a directory index.
type ParseError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "listing"
	if e.URL != "" {
		msg += " " + e.URL
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// Both Apache index styles: the preformatted one (09-Mar-2024 00:51) and
// the fancy table one (2024-03-09 00:51).
var stamps = []struct {
	re     *regexp.Regexp
	layout string
}{
	{regexp.MustCompile(`\d{2}-[A-Z][a-z]{2}-\d{4} \d{2}:\d{2}`), "02-Jan-2006 15:04"},
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}`), "2006-01-02 15:04"},
}

type nodeFunc func(node *html.Node)

// walkNodeTree visits root and its descendants depth first.
func walkNodeTree(root *html.Node, fn nodeFunc) {
	fn(root)
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		walkNodeTree(c, fn)
	}
}

// Parse extracts file entries from an index page. Timestamps are read as
// UTC. Navigation links (sorting, parent directory, absolute URLs) are
// skipped; any other link without a timestamp is a ParseError.
func Parse(r io.Reader) ([]Entry, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, &ParseError{Reason: "invalid html", Err: err}
	}

	var (
		entries []Entry
		bad     string
	)
	walkNodeTree(doc, func(node *html.Node) {
		if bad != "" || node.Type != html.ElementNode || node.Data != "a" {
			return
		}
		href := attr(node, "href")
		if navigational(href) {
			return
		}
		name := strings.TrimSuffix(href, "/")
		mod, ok := stampAfter(node)
		if !ok {
			bad = name
			return
		}
		entries = append(entries, Entry{Name: name, Modified: mod})
	})
	if bad != "" {
		return nil, &ParseError{Reason: fmt.Sprintf("no timestamp for %q", bad)}
	}
	return entries, nil
}

func attr(node *html.Node, key string) string {
	for _, a := range node.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func navigational(href string) bool {
	return href == "" ||
		strings.HasPrefix(href, "?") ||
		strings.HasPrefix(href, "/") ||
		strings.HasPrefix(href, "../") ||
		strings.HasPrefix(href, "#") ||
		strings.Contains(href, "://")
}

// stampAfter finds the modification time that follows an anchor: in the
// text right after it, or in the next cells of its table row.
func stampAfter(a *html.Node) (time.Time, bool) {
	for n := a.NextSibling; n != nil; n = n.NextSibling {
		if n.Type == html.ElementNode && n.Data == "a" {
			break
		}
		if t, ok := findStamp(text(n)); ok {
			return t, true
		}
	}
	for cell := a.Parent; cell != nil; cell = cell.Parent {
		if cell.Type != html.ElementNode || cell.Data != "td" {
			continue
		}
		for n := cell.NextSibling; n != nil; n = n.NextSibling {
			if t, ok := findStamp(text(n)); ok {
				return t, true
			}
		}
		break
	}
	return time.Time{}, false
}

func text(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	walkNodeTree(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	})
	return sb.String()
}

func findStamp(s string) (time.Time, bool) {
	for _, st := range stamps {
		m := st.re.FindString(s)
		if m == "" {
			continue
		}
		if t, err := time.ParseInLocation(st.layout, m, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
