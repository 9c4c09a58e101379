// Package policy decides which recipient domains the service accepts. The
// backing list is re-read from the config store on every check, so admin
// edits apply immediately to both the mail receiver and the web front end.
package policy

import (
	"errors"
	"strings"

	"github.io/infrasutra/tempbox/internal/confstore"
)

var (
	ErrDuplicateDomain = errors.New("domain already exists")
	ErrDomainNotFound  = errors.New("domain not found")
)

type Gate struct {
	conf *confstore.Store
}

func NewGate(conf *confstore.Store) *Gate {
	return &Gate{conf: conf}
}

// Allowed reports whether the domain is currently in the allow-list.
// Matching is case-insensitive.
func (g *Gate) Allowed(domain string) bool {
	needle := normalize(domain)
	if needle == "" {
		return false
	}
	for _, d := range g.conf.Domains() {
		if normalize(d) == needle {
			return true
		}
	}
	return false
}

// List returns the allow-list in its stored order.
func (g *Gate) List() []string {
	return g.conf.Domains()
}

func (g *Gate) Add(domain string) error {
	cleaned := normalize(domain)
	domains := g.conf.Domains()
	for _, d := range domains {
		if normalize(d) == cleaned {
			return ErrDuplicateDomain
		}
	}
	return g.conf.SaveDomains(append(domains, cleaned))
}

func (g *Gate) Remove(domain string) error {
	cleaned := normalize(domain)
	domains := g.conf.Domains()
	kept := make([]string, 0, len(domains))
	found := false
	for _, d := range domains {
		if normalize(d) == cleaned {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	if !found {
		return ErrDomainNotFound
	}
	return g.conf.SaveDomains(kept)
}

func normalize(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
