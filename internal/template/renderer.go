package template

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatch/internal/util"
)

// LoadError reports that the backing store has no entry for a template.
type LoadError struct {
	TemplateName string
	Reason       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("template load failed: %s: %v", e.TemplateName, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Reason }

// CompileError reports that no output could be produced for a template.
type CompileError struct {
	TemplateName string
	Errors       []string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("template compilation failed: %s: %s", e.TemplateName, strings.Join(e.Errors, "; "))
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Renderer loads markup templates from a Store, caches them for the process
// lifetime and substitutes {{key}} placeholders. There is no invalidation
// API: a new process picks up template changes.
type Renderer struct {
	store  Store
	logger zerolog.Logger

	locale   string
	location *time.Location

	mu    sync.RWMutex
	cache map[string]string
}

// Option customises renderer behaviour.
type Option func(*Renderer) error

// WithLocale sets the locale used when formatting date variables.
func WithLocale(locale string) Option {
	return func(r *Renderer) error {
		if strings.TrimSpace(locale) != "" {
			r.locale = strings.TrimSpace(locale)
		}
		return nil
	}
}

// WithTimezone sets the timezone used when formatting date variables.
func WithTimezone(tz string) Option {
	return func(r *Renderer) error {
		if strings.TrimSpace(tz) == "" {
			return nil
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("renderer: load timezone %q: %w", tz, err)
		}
		r.location = loc
		return nil
	}
}

// NewRenderer constructs a renderer over the supplied store.
func NewRenderer(store Store, logger zerolog.Logger, opts ...Option) (*Renderer, error) {
	if store == nil {
		return nil, fmt.Errorf("renderer: store dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	r := &Renderer{
		store:    store,
		logger:   logger,
		locale:   "ru-RU",
		location: time.UTC,
		cache:    make(map[string]string),
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Load returns the template source for name, reading the backing store at
// most once per name in practice. The check-then-fill is deliberately not
// exclusive: a racing duplicate read is harmless because the store read is a
// pure function of the name.
func (r *Renderer) Load(name string) (string, error) {
	r.mu.RLock()
	src, ok := r.cache[name]
	r.mu.RUnlock()
	if ok {
		return src, nil
	}

	data, err := r.store.Read(name)
	if err != nil {
		return "", &LoadError{TemplateName: name, Reason: err}
	}

	src = string(data)
	r.mu.Lock()
	if cached, ok := r.cache[name]; ok {
		src = cached
	} else {
		r.cache[name] = src
	}
	r.mu.Unlock()

	r.logger.Debug().Str("template", name).Int("bytes", len(src)).Msg("template loaded into cache")
	return src, nil
}

// Render loads the named template and substitutes every {{key}} placeholder
// with the matching value from vars. Placeholders with no matching key are
// left verbatim; callers that need stricter behaviour must pre-check their
// variable maps. Markup irregularities are logged as warnings but only a
// template that yields no output at all fails the call.
func (r *Renderer) Render(name string, vars map[string]string) (string, error) {
	src, err := r.Load(name)
	if err != nil {
		return "", err
	}
	return r.RenderSource(name, src, vars)
}

// RenderSource substitutes placeholders in an explicit template source,
// bypassing the store and the cache. Catalog-managed templates carry their
// own versioning, so nothing is cached here.
func (r *Renderer) RenderSource(name, src string, vars map[string]string) (string, error) {
	if strings.TrimSpace(src) == "" {
		return "", &CompileError{TemplateName: name, Errors: []string{"template source is empty"}}
	}

	if warnings := lintMarkup(src); len(warnings) > 0 {
		r.logger.Warn().Str("template", name).Strs("warnings", warnings).Msg("template markup warnings")
	}

	out := placeholderPattern.ReplaceAllStringFunc(src, func(token string) string {
		key := placeholderPattern.FindStringSubmatch(token)[1]
		if val, ok := vars[key]; ok {
			return val
		}
		return token
	})

	return out, nil
}

// FormatDate renders an RFC3339 timestamp string using the configured locale
// and timezone. A value that cannot be parsed is returned unchanged rather
// than failing the render.
func (r *Renderer) FormatDate(value string) string {
	ts, err := util.ParseRFC3339(value)
	if err != nil {
		r.logger.Warn().Str("value", value).Msg("date variable not parseable, using raw value")
		return value
	}
	return r.FormatTime(ts)
}

// FormatTime renders a timestamp using the configured locale and timezone.
func (r *Renderer) FormatTime(ts time.Time) string {
	local := ts.In(r.location)
	switch r.locale {
	case "ru-RU":
		return local.Format("02.01.2006 15:04")
	case "en-US":
		return local.Format("Jan 2, 2006 3:04 PM")
	default:
		return local.Format("2006-01-02 15:04")
	}
}

// lintMarkup flags placeholder syntax the substitution pass cannot act on.
func lintMarkup(src string) []string {
	var warnings []string
	opens := strings.Count(src, "{{")
	closes := strings.Count(src, "}}")
	if opens != closes {
		warnings = append(warnings, fmt.Sprintf("unbalanced placeholder braces: %d open, %d close", opens, closes))
	}
	return warnings
}
