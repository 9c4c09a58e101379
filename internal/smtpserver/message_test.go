package smtpserver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestExtractContentPlainMessage(t *testing.T) {
	c, err := extractContent(raw(
		"Subject: Greetings",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Hello, world.",
	))
	require.NoError(t, err)
	assert.Equal(t, "Greetings", c.Subject)
	assert.Contains(t, c.Body, "Hello, world.")
}

func TestExtractContentDefaultsSubject(t *testing.T) {
	c, err := extractContent(raw(
		"Content-Type: text/plain",
		"",
		"no subject here",
	))
	require.NoError(t, err)
	assert.Equal(t, "(No Subject)", c.Subject)
}

func TestExtractContentPrefersPlainOverHTML(t *testing.T) {
	c, err := extractContent(raw(
		"Subject: Both",
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=frontier",
		"",
		"--frontier",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>rich version</p>",
		"--frontier",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain version",
		"--frontier--",
	))
	require.NoError(t, err)
	assert.Contains(t, c.Body, "plain version")
	assert.NotContains(t, c.Body, "rich version")
}

func TestExtractContentFallsBackToHTML(t *testing.T) {
	c, err := extractContent(raw(
		"Subject: HTML only",
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=frontier",
		"",
		"--frontier",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>only html</p>",
		"--frontier--",
	))
	require.NoError(t, err)
	assert.Contains(t, c.Body, "only html")
}

func TestExtractContentDecodesQuotedPrintable(t *testing.T) {
	c, err := extractContent(raw(
		"Subject: Encoded",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"Caf=C3=A9",
	))
	require.NoError(t, err)
	assert.Contains(t, c.Body, "Café")
}

func TestExtractContentEmptyBody(t *testing.T) {
	c, err := extractContent(raw(
		"Subject: Empty",
		"",
	))
	require.NoError(t, err)
	assert.Equal(t, "No content", c.Body)
}
