// Package mailbox creates disposable addresses and reads their inboxes.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.io/infrasutra/tempbox/internal/confstore"
	"github.io/infrasutra/tempbox/internal/policy"
	"github.io/infrasutra/tempbox/internal/store"
)

// ErrDomainRejected is returned when the requested domain is not currently in
// the allow-list.
var ErrDomainRejected = errors.New("domain not allowed")

const randomUsernameLength = 8

type Service struct {
	store *store.Store
	gate  *policy.Gate
	conf  *confstore.Store
}

func NewService(st *store.Store, gate *policy.Gate, conf *confstore.Store) *Service {
	return &Service{store: st, gate: gate, conf: conf}
}

type Generated struct {
	Email       string
	DisplayName string
}

// Generate composes an address at the requested domain, registers the mailbox
// and returns it. The domain is checked live against the policy gate. When no
// username is requested one is drawn from the configured name list with a
// numeric suffix, or generated as random lowercase letters when that list is
// empty.
func (s *Service) Generate(ctx context.Context, username, domain, originAddr string) (Generated, error) {
	username = strings.TrimSpace(username)
	if !s.gate.Allowed(domain) {
		return Generated{}, ErrDomainRejected
	}

	display := username
	if username == "" {
		if names := s.conf.Names(); len(names) > 0 {
			base := names[rand.Intn(len(names))]
			username = fmt.Sprintf("%s%d", base, 10+rand.Intn(990))
			display = base
		} else {
			username = randomLowercase(randomUsernameLength)
			display = username
		}
	}

	email := strings.ToLower(username + "@" + domain)
	if err := s.store.RegisterMailbox(ctx, email, originAddr, time.Now()); err != nil {
		return Generated{}, fmt.Errorf("register mailbox: %w", err)
	}
	return Generated{Email: email, DisplayName: capitalize(display)}, nil
}

// LookupInbox returns the messages for the session-bound address, newest
// first. An empty address means no mailbox is bound yet and yields an empty
// inbox.
func (s *Service) LookupInbox(ctx context.Context, sessionEmail string) ([]store.Message, error) {
	cleaned := strings.ToLower(strings.TrimSpace(sessionEmail))
	if cleaned == "" {
		return []store.Message{}, nil
	}
	return s.store.ListMessages(ctx, cleaned)
}

func randomLowercase(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
