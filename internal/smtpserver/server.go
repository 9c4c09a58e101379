// Package smtpserver implements the inbound SMTP acceptor. Each connection
// runs in its own goroutine and advances through an explicit envelope state:
// greeted, sender set, recipients collected, data received. The acceptor
// always completes a terminated DATA transaction with a success code;
// recipients whose domain is not allowed are dropped without any feedback to
// the sender, so forged envelopes never produce backscatter.
package smtpserver

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.io/infrasutra/tempbox/internal/policy"
	"github.io/infrasutra/tempbox/internal/store"
)

const (
	maxLineLength  = 1000
	defaultTimeout = 5 * time.Minute
)

type Server struct {
	addr        string
	hostname    string
	gate        *policy.Gate
	store       *store.Store
	logger      *slog.Logger
	readTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func New(addr, hostname string, gate *policy.Gate, st *store.Store, logger *slog.Logger) *Server {
	return &Server{
		addr:        addr,
		hostname:    hostname,
		gate:        gate,
		store:       st,
		logger:      logger,
		readTimeout: defaultTimeout,
	}
}

func (s *Server) Name() string {
	return "smtp"
}

// Run listens and serves until Shutdown closes the listener.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen smtp: %w", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("smtp server listening", "addr", s.addr)
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Shutdown(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// envelope is the per-connection protocol state. RSET and a completed
// delivery clear it back to the greeted state.
type envelope struct {
	remoteAddr  string
	greeted     bool
	sender      string
	senderSet   bool
	recipients  []string
	readingData bool
	data        []string
}

func (e *envelope) reset() {
	e.sender = ""
	e.senderSet = false
	e.recipients = nil
	e.readingData = false
	e.data = nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	env := &envelope{remoteAddr: conn.RemoteAddr().String()}
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	s.reply(w, fmt.Sprintf(replyReady, s.hostname))

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if env.readingData {
			s.readData(env, w, line)
			continue
		}

		if len(line) > maxLineLength {
			s.reply(w, replyLineTooLong)
			continue
		}

		if !s.handleCommand(env, w, line) {
			return
		}
	}
}

// handleCommand dispatches one command line. It reports false when the
// connection should be closed.
func (s *Server) handleCommand(env *envelope, w *bufio.Writer, line string) bool {
	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "HELO ") || strings.HasPrefix(upper, "EHLO "):
		env.greeted = true
		s.reply(w, fmt.Sprintf(replyGreeting, s.hostname, strings.TrimSpace(line[5:])))

	case strings.HasPrefix(upper, "MAIL FROM:"):
		s.handleMailFrom(env, w, line)

	case strings.HasPrefix(upper, "RCPT TO:"):
		s.handleRcptTo(env, w, line)

	case upper == "DATA":
		s.handleData(env, w)

	case upper == "RSET":
		env.reset()
		s.reply(w, replyOK)

	case upper == "NOOP":
		s.reply(w, replyOK)

	case upper == "QUIT":
		s.reply(w, fmt.Sprintf(replyClosing, s.hostname))
		return false

	default:
		s.reply(w, replyBadCommand)
	}
	return true
}

func (s *Server) handleMailFrom(env *envelope, w *bufio.Writer, line string) {
	if !env.greeted {
		s.reply(w, fmt.Sprintf(replyBadSequence, "HELO"))
		return
	}
	// Empty address is the null sender used for bounces; accepted as-is.
	env.reset()
	env.sender = parseAddress(line[len("MAIL FROM:"):])
	env.senderSet = true
	s.reply(w, replyOK)
}

func (s *Server) handleRcptTo(env *envelope, w *bufio.Writer, line string) {
	if !env.senderSet {
		s.reply(w, fmt.Sprintf(replyBadSequence, "MAIL FROM"))
		return
	}
	env.recipients = append(env.recipients, parseAddress(line[len("RCPT TO:"):]))
	s.reply(w, replyOK)
}

func (s *Server) handleData(env *envelope, w *bufio.Writer) {
	if !env.senderSet {
		s.reply(w, fmt.Sprintf(replyBadSequence, "MAIL FROM"))
		return
	}
	env.readingData = true
	env.data = nil
	s.reply(w, replyStartInput)
}

func (s *Server) readData(env *envelope, w *bufio.Writer, line string) {
	if line == "." {
		s.deliver(env, w)
		env.reset()
		return
	}
	// Dot-stuffing: a leading dot in the body arrives doubled.
	if strings.HasPrefix(line, ".") {
		line = line[1:]
	}
	env.data = append(env.data, line)
}

// deliver runs once the data terminator arrives: parse the buffered message,
// persist it for every recipient whose domain the gate allows, and report
// success regardless of how many recipients were kept. A message that cannot
// be parsed is logged and dropped without failing the transaction.
func (s *Server) deliver(env *envelope, w *bufio.Writer) {
	deliveryID := uuid.NewString()
	raw := []byte(strings.Join(env.data, "\r\n") + "\r\n")

	content, err := extractContent(raw)
	if err != nil {
		s.logger.Warn("dropping unparseable message",
			"delivery", deliveryID, "remote", env.remoteAddr, "error", err)
		s.reply(w, replyAccepted)
		return
	}

	ctx := context.Background()
	accepted, dropped := 0, 0
	for _, rcpt := range env.recipients {
		recipient := strings.ToLower(strings.TrimSpace(rcpt))
		if !s.gate.Allowed(domainOf(recipient)) {
			dropped++
			continue
		}
		_, err := s.store.InsertMessage(ctx, store.Message{
			Recipient:  recipient,
			Sender:     env.sender,
			Subject:    content.Subject,
			Body:       content.Body,
			ReceivedAt: time.Now(),
		})
		if err != nil {
			s.logger.Error("store message",
				"delivery", deliveryID, "recipient", recipient, "error", err)
			s.reply(w, replyLocalError)
			return
		}
		accepted++
	}

	s.logger.Info("delivery complete",
		"delivery", deliveryID, "remote", env.remoteAddr,
		"accepted", accepted, "dropped", dropped)
	s.reply(w, replyAccepted)
}

func (s *Server) reply(w *bufio.Writer, line string) {
	if _, err := w.WriteString(line + "\r\n"); err != nil {
		s.logger.Warn("write smtp reply", "error", err)
		return
	}
	if err := w.Flush(); err != nil {
		s.logger.Warn("flush smtp reply", "error", err)
	}
}

// parseAddress extracts the bare address from a MAIL FROM / RCPT TO argument,
// tolerating angle brackets and trailing ESMTP parameters.
func parseAddress(arg string) string {
	arg = strings.TrimSpace(arg)
	if start := strings.Index(arg, "<"); start >= 0 {
		if end := strings.Index(arg[start:], ">"); end > 0 {
			return strings.TrimSpace(arg[start+1 : start+end])
		}
	}
	if space := strings.IndexByte(arg, ' '); space >= 0 {
		arg = arg[:space]
	}
	return strings.Trim(arg, "<>")
}

func domainOf(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return address[at+1:]
}
