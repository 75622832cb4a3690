package webhook

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/itskum47/SettingsForge/control_plane/store"
)

// patterns caches compiled filter expressions.
type patterns struct {
	cache sync.Map
}

func (p *patterns) compile(expr string) (*regexp.Regexp, error) {
	if re, ok := p.cache.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	p.cache.Store(expr, re)
	return re, nil
}

// ValidateWebHook checks the fields an administrator supplies.
func ValidateWebHook(h *store.WebHook) error {
	if !h.WebHookType.Valid() {
		return fmt.Errorf("unknown webhook type %q", h.WebHookType)
	}
	if h.WebHookClientID == "" {
		return fmt.Errorf("webhook client id is required")
	}
	if h.MinSessions < 0 {
		return fmt.Errorf("min sessions cannot be negative")
	}
	for _, expr := range []string{h.ClientNameRegex, h.SettingNameRegex} {
		if expr == "" {
			continue
		}
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", expr, err)
		}
	}
	return nil
}

// matchClient applies ClientNameRegex. An empty pattern matches everything.
func (p *patterns) matchClient(h *store.WebHook, clientName string) (bool, error) {
	if h.ClientNameRegex == "" {
		return true, nil
	}
	re, err := p.compile(h.ClientNameRegex)
	if err != nil {
		return false, err
	}
	return re.MatchString(clientName), nil
}

// matchSettings returns the subset of names accepted by SettingNameRegex.
func (p *patterns) matchSettings(h *store.WebHook, names []string) ([]string, error) {
	if h.SettingNameRegex == "" {
		return names, nil
	}
	re, err := p.compile(h.SettingNameRegex)
	if err != nil {
		return nil, err
	}
	var matched []string
	for _, n := range names {
		if re.MatchString(n) {
			matched = append(matched, n)
		}
	}
	return matched, nil
}
