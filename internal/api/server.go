package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.io/infrasutra/tempbox/internal/auth"
	"github.io/infrasutra/tempbox/internal/confstore"
	"github.io/infrasutra/tempbox/internal/logsink"
	"github.io/infrasutra/tempbox/internal/mailbox"
	"github.io/infrasutra/tempbox/internal/policy"
	"github.io/infrasutra/tempbox/internal/pool"
	"github.io/infrasutra/tempbox/internal/store"
)

const logTailLines = 100

// Restarter triggers the privileged OS-level service restart. The actual
// mechanism lives outside this package.
type Restarter interface {
	Restart(ctx context.Context) error
}

type Server struct {
	store     *store.Store
	gate      *policy.Gate
	conf      *confstore.Store
	sessions  *auth.Manager
	mailboxes *mailbox.Service
	sink      *logsink.Sink
	logger    *slog.Logger
	restarter Restarter
	workers   *pool.WorkerPool
	mux       *http.ServeMux
	http      *http.Server
}

func NewServer(
	addr string,
	st *store.Store,
	gate *policy.Gate,
	conf *confstore.Store,
	sessions *auth.Manager,
	mailboxes *mailbox.Service,
	sink *logsink.Sink,
	restarter Restarter,
	workers *pool.WorkerPool,
	logger *slog.Logger,
) *Server {
	server := &Server{
		store:     st,
		gate:      gate,
		conf:      conf,
		sessions:  sessions,
		mailboxes: mailboxes,
		sink:      sink,
		logger:    logger,
		restarter: restarter,
		workers:   workers,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/generate", server.handleGenerate)
	mux.HandleFunc("/emails", server.handleEmails)
	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/admin/login", server.handleAdminLogin)
	mux.HandleFunc("/admin/logout", server.handleAdminLogout)
	mux.HandleFunc("/api/admin/data", server.requireAdmin(server.handleAdminData))
	mux.HandleFunc("/api/admin/inbox/", server.requireAdmin(server.handleAdminInbox))
	mux.HandleFunc("/api/admin/delete_user", server.requireAdmin(server.handleDeleteUser))
	mux.HandleFunc("/api/admin/clear_logs", server.requireAdmin(server.handleClearLogs))
	mux.HandleFunc("/api/admin/update_settings", server.requireAdmin(server.handleUpdateSettings))
	mux.HandleFunc("/api/admin/add_domain", server.requireAdmin(server.handleAddDomain))
	mux.HandleFunc("/api/admin/remove_domain", server.requireAdmin(server.handleRemoveDomain))
	mux.HandleFunc("/api/admin/restart_system", server.requireAdmin(server.handleRestartSystem))
	server.mux = mux
	server.http = &http.Server{Addr: addr, Handler: server}
	return server
}

func (s *Server) Name() string {
	return "web"
}

func (s *Server) Run() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.workers.Stop()
	return err
}

// ServeHTTP hands every request to the worker pool so that at most N requests
// are in flight at once, each handled end-to-end by one worker.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	done := make(chan struct{})
	submitted := s.workers.Submit(func() {
		defer close(done)
		s.mux.ServeHTTP(w, r)
	})
	if !submitted {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	<-done
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Domain   string `json:"domain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	generated, err := s.mailboxes.Generate(r.Context(), payload.Username, payload.Domain, remoteIP(r))
	if err != nil {
		if errors.Is(err, mailbox.ErrDomainRejected) {
			s.respondError(w, http.StatusBadRequest, "Invalid domain")
			return
		}
		s.logger.Error("generate mailbox", "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to generate mailbox")
		return
	}

	session := s.session(r)
	session.Email = generated.Email
	s.setSessionCookie(w, session)

	s.respondJSON(w, http.StatusOK, map[string]string{
		"email":    generated.Email,
		"fullName": generated.DisplayName,
	})
}

func (s *Server) handleEmails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	messages, err := s.mailboxes.LookupInbox(r.Context(), s.session(r).Email)
	if err != nil {
		s.logger.Error("list inbox", "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to load inbox")
		return
	}
	s.respondJSON(w, http.StatusOK, toMessageList(messages))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

const loginPage = `<!DOCTYPE html>
<html><head><title>Admin Login</title></head><body>
<h1>Admin Login</h1>
%s
<form method="POST" action="/admin/login">
<input type="text" name="username" placeholder="Username">
<input type="password" name="password" placeholder="Password">
<button type="submit">Login</button>
</form>
</body></html>`

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.respondHTML(w, http.StatusOK, fmt.Sprintf(loginPage, ""))
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid form")
			return
		}
		settings := s.conf.Settings()
		user := r.PostFormValue("username")
		pass := r.PostFormValue("password")
		if user != settings.AdminUsername || pass != settings.AdminPassword {
			s.respondHTML(w, http.StatusUnauthorized,
				fmt.Sprintf(loginPage, "<p>Invalid Credentials</p>"))
			return
		}
		session := s.session(r)
		session.Admin = true
		s.setSessionCookie(w, session)
		http.Redirect(w, r, "/api/admin/data", http.StatusSeeOther)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	session := s.session(r)
	session.Admin = false
	s.setSessionCookie(w, session)
	http.Redirect(w, r, "/admin/login", http.StatusSeeOther)
}

// requireAdmin gates a handler behind the session admin capability flag.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.session(r).Admin {
			s.respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleAdminData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.store.ListMailboxesWithCounts(r.Context())
	if err != nil {
		s.logger.Error("list mailboxes", "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to load stats")
		return
	}
	dbSize, err := s.store.SizeOnDisk(r.Context())
	if err != nil {
		s.logger.Warn("database size", "error", err)
		dbSize = 0
	}

	statList := make([]map[string]any, 0, len(stats))
	for _, stat := range stats {
		statList = append(statList, map[string]any{
			"email":       stat.Email,
			"created_at":  stat.CreatedAt.UTC().Format(time.RFC3339),
			"ip_address":  stat.OriginAddr,
			"inbox_count": stat.MessageCount,
		})
	}

	settings := s.conf.Settings()
	s.respondJSON(w, http.StatusOK, map[string]any{
		"stats":         statList,
		"logs":          s.sink.Tail(logTailLines),
		"db_size":       dbSize,
		"db_size_human": humanize.Bytes(uint64(dbSize)),
		"settings":      map[string]string{"app_name": settings.AppName},
		"domains":       s.gate.List(),
	})
}

func (s *Server) handleAdminInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	email := strings.TrimPrefix(r.URL.Path, "/api/admin/inbox/")
	if email == "" || strings.Contains(email, "/") {
		http.NotFound(w, r)
		return
	}
	messages, err := s.mailboxes.LookupInbox(r.Context(), email)
	if err != nil {
		s.logger.Error("list admin inbox", "email", email, "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to load inbox")
		return
	}
	s.respondJSON(w, http.StatusOK, toMessageList(messages))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	email, ok := s.postField(w, r, "email")
	if !ok {
		return
	}
	if err := s.store.DeleteMailbox(r.Context(), strings.ToLower(email)); err != nil {
		s.logger.Error("delete mailbox", "email", email, "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to delete mailbox")
		return
	}
	s.respondStatus(w)
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.sink.Truncate(); err != nil {
		s.logger.Error("clear logs", "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to clear logs")
		return
	}
	s.respondStatus(w)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	appName, ok := s.postField(w, r, "app_name")
	if !ok {
		return
	}
	settings := s.conf.Settings()
	settings.AppName = appName
	if err := s.conf.SaveSettings(settings); err != nil {
		s.logger.Error("save settings", "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to save settings")
		return
	}
	s.respondStatus(w)
}

func (s *Server) handleAddDomain(w http.ResponseWriter, r *http.Request) {
	domain, ok := s.postField(w, r, "domain")
	if !ok {
		return
	}
	if err := s.gate.Add(domain); err != nil {
		if errors.Is(err, policy.ErrDuplicateDomain) {
			s.respondError(w, http.StatusBadRequest, "Domain already exists")
			return
		}
		s.logger.Error("add domain", "domain", domain, "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to save domains")
		return
	}
	s.respondStatus(w)
}

func (s *Server) handleRemoveDomain(w http.ResponseWriter, r *http.Request) {
	domain, ok := s.postField(w, r, "domain")
	if !ok {
		return
	}
	if err := s.gate.Remove(domain); err != nil {
		if errors.Is(err, policy.ErrDomainNotFound) {
			s.respondError(w, http.StatusBadRequest, "Domain not found")
			return
		}
		s.logger.Error("remove domain", "domain", domain, "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to save domains")
		return
	}
	s.respondStatus(w)
}

func (s *Server) handleRestartSystem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.restarter.Restart(r.Context()); err != nil {
		s.logger.Error("restart system", "error", err)
		s.respondError(w, http.StatusInternalServerError, "unable to restart")
		return
	}
	s.respondStatus(w)
}

// postField decodes a one-field JSON POST body. A missing field responds 400
// and reports false.
func (s *Server) postField(w http.ResponseWriter, r *http.Request, field string) (string, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	var payload map[string]string
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON")
		return "", false
	}
	value := strings.TrimSpace(payload[field])
	if value == "" {
		s.respondError(w, http.StatusBadRequest, "Missing "+field)
		return "", false
	}
	return value, true
}

// session returns the caller's session, or a zero session when the cookie is
// absent or invalid.
func (s *Server) session(r *http.Request) auth.Session {
	cookie, err := r.Cookie(s.sessions.CookieName())
	if err != nil {
		return auth.Session{}
	}
	session, err := s.sessions.Parse(cookie.Value, time.Now())
	if err != nil {
		return auth.Session{}
	}
	return session
}

func (s *Server) setSessionCookie(w http.ResponseWriter, session auth.Session) {
	now := time.Now()
	token, err := s.sessions.Issue(session, now)
	if err != nil {
		s.logger.Error("issue session", "error", err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.sessions.CookieName(),
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.sessions.MaxAge().Seconds()),
		Expires:  now.Add(s.sessions.MaxAge()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) respondStatus(w http.ResponseWriter) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) respondHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

type messageJSON struct {
	ID         int64  `json:"id"`
	Recipient  string `json:"recipient"`
	Sender     string `json:"sender"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	ReceivedAt string `json:"received_at"`
}

func toMessageList(messages []store.Message) []messageJSON {
	list := make([]messageJSON, 0, len(messages))
	for _, m := range messages {
		list = append(list, messageJSON{
			ID:         m.ID,
			Recipient:  m.Recipient,
			Sender:     m.Sender,
			Subject:    m.Subject,
			Body:       m.Body,
			ReceivedAt: m.ReceivedAt.UTC().Format(time.RFC3339),
		})
	}
	return list
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
