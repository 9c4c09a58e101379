package smtpserver

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/tempbox/internal/confstore"
	"github.io/infrasutra/tempbox/internal/policy"
	"github.io/infrasutra/tempbox/internal/store"
)

func newTestServer(t *testing.T, domains []string) (*Server, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureSchema(ctx))

	conf := confstore.New(t.TempDir())
	require.NoError(t, conf.SaveDomains(domains))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(":0", "test.local", policy.NewGate(conf), st, logger), st
}

// dialog drives handleConn over an in-memory pipe, alternating one command
// with one reply the way a real SMTP client does.
type dialog struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func startDialog(t *testing.T, server *Server) *dialog {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	go server.handleConn(serverConn)
	t.Cleanup(func() { clientConn.Close() })
	d := &dialog{t: t, conn: clientConn, r: bufio.NewReader(clientConn)}
	d.expect("220 ")
	return d
}

func (d *dialog) send(line string) {
	d.t.Helper()
	_, err := d.conn.Write([]byte(line + "\r\n"))
	require.NoError(d.t, err)
}

func (d *dialog) expect(prefix string) string {
	d.t.Helper()
	line, err := d.r.ReadString('\n')
	require.NoError(d.t, err)
	require.True(d.t, strings.HasPrefix(line, prefix),
		"expected reply starting with %q, got %q", prefix, line)
	return line
}

func (d *dialog) exchange(command, replyPrefix string) {
	d.t.Helper()
	d.send(command)
	d.expect(replyPrefix)
}

func TestDeliveryPersistsAllowedRecipientsOnly(t *testing.T) {
	server, st := newTestServer(t, []string{"tempbox.dev"})
	d := startDialog(t, server)

	d.exchange("HELO client.example.com", "250 ")
	d.exchange("MAIL FROM:<sender@example.com>", "250 ")
	d.exchange("RCPT TO:<  Alice@Tempbox.DEV >", "250 ")
	d.exchange("RCPT TO:<bob@forged.example>", "250 ")
	d.exchange("DATA", "354 ")
	d.send("Subject: Hello there")
	d.send("")
	d.send("A short body.")
	d.exchange(".", "250 ")

	messages, err := st.ListMessages(context.Background(), "alice@tempbox.dev")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "alice@tempbox.dev", messages[0].Recipient)
	assert.Equal(t, "sender@example.com", messages[0].Sender)
	assert.Equal(t, "Hello there", messages[0].Subject)
	assert.Contains(t, messages[0].Body, "A short body.")

	dropped, err := st.ListMessages(context.Background(), "bob@forged.example")
	require.NoError(t, err)
	assert.Empty(t, dropped)
}

func TestTransactionSucceedsWithAllRecipientsRejected(t *testing.T) {
	server, st := newTestServer(t, []string{"tempbox.dev"})
	d := startDialog(t, server)

	d.exchange("EHLO client", "250 ")
	d.exchange("MAIL FROM:<spam@forged.example>", "250 ")
	d.exchange("RCPT TO:<victim@elsewhere.example>", "250 ")
	d.exchange("DATA", "354 ")
	d.send("Subject: Spam")
	d.send("")
	d.send("body")
	d.exchange(".", "250 ")

	stats, err := st.ListMailboxesWithCounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats)
	messages, err := st.ListMessages(context.Background(), "victim@elsewhere.example")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestEnvelopeWithoutRecipientsStillCompletes(t *testing.T) {
	server, _ := newTestServer(t, []string{"tempbox.dev"})
	d := startDialog(t, server)

	d.exchange("HELO client", "250 ")
	d.exchange("MAIL FROM:<someone@example.com>", "250 ")
	d.exchange("DATA", "354 ")
	d.exchange(".", "250 ")
}

func TestUnparseableMessageDroppedWithoutKillingConnection(t *testing.T) {
	server, st := newTestServer(t, []string{"tempbox.dev"})
	d := startDialog(t, server)

	d.exchange("HELO client", "250 ")
	d.exchange("MAIL FROM:<sender@example.com>", "250 ")
	d.exchange("RCPT TO:<alice@tempbox.dev>", "250 ")
	d.exchange("DATA", "354 ")
	d.send("not a header at all")
	d.exchange(".", "250 ")

	messages, err := st.ListMessages(context.Background(), "alice@tempbox.dev")
	require.NoError(t, err)
	assert.Empty(t, messages)

	// The session must survive the dropped delivery and accept the next one.
	d.exchange("NOOP", "250 ")
	d.exchange("MAIL FROM:<sender@example.com>", "250 ")
	d.exchange("RCPT TO:<alice@tempbox.dev>", "250 ")
	d.exchange("DATA", "354 ")
	d.send("Subject: Second attempt")
	d.send("")
	d.send("this one parses")
	d.exchange(".", "250 ")

	messages, err = st.ListMessages(context.Background(), "alice@tempbox.dev")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "Second attempt", messages[0].Subject)
}

func TestCommandSequencing(t *testing.T) {
	server, _ := newTestServer(t, []string{"tempbox.dev"})
	d := startDialog(t, server)

	d.exchange("MAIL FROM:<a@b.test>", "503 ")
	d.exchange("HELO client", "250 ")
	d.exchange("RCPT TO:<a@b.test>", "503 ")
	d.exchange("DATA", "503 ")
	d.exchange("MAIL FROM:<a@b.test>", "250 ")
	d.exchange("RSET", "250 ")
	d.exchange("RCPT TO:<a@b.test>", "503 ")
}

func TestMiscCommands(t *testing.T) {
	server, _ := newTestServer(t, []string{"tempbox.dev"})
	d := startDialog(t, server)

	d.exchange("NOOP", "250 ")
	d.exchange("BOGUS", "500 ")
	d.exchange("QUIT", "221 ")
}

func TestNullSenderAccepted(t *testing.T) {
	server, st := newTestServer(t, []string{"tempbox.dev"})
	d := startDialog(t, server)

	d.exchange("HELO mx", "250 ")
	d.exchange("MAIL FROM:<>", "250 ")
	d.exchange("RCPT TO:<alice@tempbox.dev>", "250 ")
	d.exchange("DATA", "354 ")
	d.send("Subject: Bounce")
	d.send("")
	d.send("delivery failed")
	d.exchange(".", "250 ")

	messages, err := st.ListMessages(context.Background(), "alice@tempbox.dev")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Empty(t, messages[0].Sender)
}

func TestDotStuffedBodyIsUnstuffed(t *testing.T) {
	server, st := newTestServer(t, []string{"tempbox.dev"})
	d := startDialog(t, server)

	d.exchange("HELO client", "250 ")
	d.exchange("MAIL FROM:<a@b.test>", "250 ")
	d.exchange("RCPT TO:<alice@tempbox.dev>", "250 ")
	d.exchange("DATA", "354 ")
	d.send("Subject: Dots")
	d.send("")
	d.send("..leading dot line")
	d.exchange(".", "250 ")

	messages, err := st.ListMessages(context.Background(), "alice@tempbox.dev")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Body, ".leading dot line")
	assert.NotContains(t, messages[0].Body, "..leading")
}

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"<alice@tempbox.dev>", "alice@tempbox.dev"},
		{" <alice@tempbox.dev> SIZE=1024", "alice@tempbox.dev"},
		{"alice@tempbox.dev", "alice@tempbox.dev"},
		{"<>", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseAddress(tc.in), "input %q", tc.in)
	}
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "tempbox.dev", domainOf("alice@tempbox.dev"))
	assert.Equal(t, "b.test", domainOf(`"a@b"@b.test`))
	assert.Equal(t, "", domainOf("no-at-sign"))
	assert.Equal(t, "", domainOf("trailing@"))
}
