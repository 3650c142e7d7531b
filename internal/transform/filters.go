package transform

import (
	"html"
	"regexp"
	"strings"

	"github.com/commonsmeta/aggmds/internal/domain"
)

// FilterConfig carries the per-source parameters some filters close over.
type FilterConfig struct {
	// SourceURL is the prefix used by add_source_url.
	SourceURL string
}

// FilterFunc is a pure value transformation. Every registered filter is
// idempotent: applying it twice yields the same value as applying it once.
type FilterFunc func(value any) any

// filterBuilder constructs a FilterFunc bound to a source configuration.
type filterBuilder func(cfg FilterConfig) FilterFunc

var filterRegistry = map[string]filterBuilder{
	"strip_html":          constant(stripHTML),
	"strip_email":         constant(stripEmail),
	"aggregate_counts":    constant(aggregateCounts),
	"uppercase":           constant(stringFilter(strings.ToUpper)),
	"lowercase":           constant(stringFilter(strings.ToLower)),
	"add_source_url":      addSourceURL,
	"prepare_description": constant(prepareDescription),
}

// ResolveFilter looks up a named filter bound to the given config.
// Unknown names fail the record with a recoverable normalization error.
func ResolveFilter(name string, cfg FilterConfig) (FilterFunc, error) {
	builder, ok := filterRegistry[name]
	if !ok {
		return nil, domain.NormalizationErrorf("unknown filter %q", name)
	}
	return builder(cfg), nil
}

// FilterNames returns the names of all registered filters.
func FilterNames() []string {
	names := make([]string, 0, len(filterRegistry))
	for name := range filterRegistry {
		names = append(names, name)
	}
	return names
}

func constant(f FilterFunc) filterBuilder {
	return func(FilterConfig) FilterFunc { return f }
}

// stringFilter lifts a string function to a FilterFunc that also maps
// over list elements and leaves other values unchanged.
func stringFilter(f func(string) string) FilterFunc {
	var apply FilterFunc
	apply = func(value any) any {
		switch v := value.(type) {
		case string:
			return f(v)
		case []any:
			out := make([]any, len(v))
			for i, item := range v {
				out[i] = apply(item)
			}
			return out
		default:
			return value
		}
	}
	return apply
}

var (
	htmlTagPattern = regexp.MustCompile(`<[^>]*>`)
	emailPattern   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	spacePattern   = regexp.MustCompile(`\s+`)
)

func stripHTML(value any) any {
	return stringFilter(func(s string) string {
		// Decoded entities may themselves form tags or further
		// entities, so strip and unescape until stable.
		for {
			next := htmlTagPattern.ReplaceAllString(s, "")
			next = html.UnescapeString(next)
			if next == s {
				return s
			}
			s = next
		}
	})(value)
}

func stripEmail(value any) any {
	return stringFilter(func(s string) string {
		return emailPattern.ReplaceAllString(s, "")
	})(value)
}

// aggregateCounts sums files_count over a list of objects.
func aggregateCounts(value any) any {
	list, ok := value.([]any)
	if !ok {
		return value
	}
	total := 0
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch n := entry["files_count"].(type) {
		case int:
			total += n
		case int64:
			total += int(n)
		case float64:
			total += int(n)
		}
	}
	return total
}

func addSourceURL(cfg FilterConfig) FilterFunc {
	return stringFilter(func(s string) string {
		if cfg.SourceURL == "" || strings.HasPrefix(s, cfg.SourceURL) {
			return s
		}
		return cfg.SourceURL + s
	})
}

func prepareDescription(value any) any {
	return stringFilter(func(s string) string {
		s, _ = stripHTML(s).(string)
		return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
	})(value)
}
