package smtpserver

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const (
	defaultSubject = "(No Subject)"
	defaultBody    = "No content"
)

type content struct {
	Subject string
	Body    string
}

// extractContent pulls the subject and a best-effort text body out of a raw
// message. Body preference: first text/plain part, then first text/html part,
// then the bare payload of a non-multipart message. Charset conversion is
// handled by the message reader; a part that cannot be decoded is skipped
// rather than failing the whole message.
func extractContent(raw []byte) (content, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return content{}, fmt.Errorf("parse message: %w", err)
	}
	if reader == nil {
		return content{}, fmt.Errorf("parse message: %w", err)
	}

	result := content{Subject: defaultSubject, Body: defaultBody}
	if subject, serr := reader.Header.Subject(); serr == nil && strings.TrimSpace(subject) != "" {
		result.Subject = subject
	}

	var plain, html, fallback string
	haveFallback := false
	for {
		part, perr := reader.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil && !message.IsUnknownCharset(perr) {
			break
		}
		if part == nil {
			continue
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		data, rerr := io.ReadAll(part.Body)
		if rerr != nil {
			continue
		}
		body := string(data)
		switch {
		case strings.HasPrefix(mediaType, "text/plain") || mediaType == "":
			if plain == "" {
				plain = body
			}
		case strings.HasPrefix(mediaType, "text/html"):
			if html == "" {
				html = body
			}
		}
		if !haveFallback {
			fallback = body
			haveFallback = true
		}
	}

	switch {
	case plain != "":
		result.Body = plain
	case html != "":
		result.Body = html
	case haveFallback && fallback != "":
		result.Body = fallback
	}
	return result, nil
}
