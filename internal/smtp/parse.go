package smtp

import (
	"fmt"
	"io"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/shineum/mail-relay/internal/email"
)

// consumedHeaders are mapped onto message fields or describe MIME
// structure enmime has already decoded; they never enter the residual
// header set. Keys are in canonical MIME form.
var consumedHeaders = map[string]struct{}{
	"From":                      {},
	"To":                        {},
	"Cc":                        {},
	"Bcc":                       {},
	"Subject":                   {},
	"Reply-To":                  {},
	"Message-Id":                {},
	"Content-Type":              {},
	"Content-Transfer-Encoding": {},
	"Mime-Version":              {},
}

// traceHeaders accumulate on the way here. The relay re-originates the
// message, so forwarding them would leak the submission path and break
// any signatures anyway.
var traceHeaders = map[string]struct{}{
	"Received":               {},
	"Return-Path":            {},
	"Delivered-To":           {},
	"X-Original-To":          {},
	"Dkim-Signature":         {},
	"Authentication-Results": {},
	"Received-Spf":           {},
}

// Parse reads an RFC 5322 message and maps it onto the relay's message
// model: sender, address lists, subject, both body variants,
// attachments and the residual headers worth forwarding.
func Parse(r io.Reader) (*email.Email, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &email.Email{
		From:       strings.TrimSpace(env.GetHeader("From")),
		Subject:    env.GetHeader("Subject"),
		ReplyTo:    strings.TrimSpace(env.GetHeader("Reply-To")),
		MessageID:  strings.TrimSpace(env.GetHeader("Message-Id")),
		To:         addressList(env.GetHeader("To")),
		Cc:         addressList(env.GetHeader("Cc")),
		Bcc:        addressList(env.GetHeader("Bcc")),
		TextBody:   env.Text,
		HtmlBody:   env.HTML,
		RawHeaders: residualHeaders(env),
	}

	// enmime resolved the body structure; record plain bodies as such
	// so normalization does not re-guess from literal markup in the
	// text.
	if msg.HtmlBody == "" && msg.TextBody != "" {
		msg.RawHeaders["Content-Type"] = []string{"text/plain"}
	}

	for _, part := range env.Attachments {
		msg.Attachments = append(msg.Attachments, email.Attachment{
			Filename:    attachmentName(part),
			ContentType: part.ContentType,
			Content:     part.Content,
		})
	}
	// Inline parts with a filename (embedded images and the like)
	// travel as attachments too, so no content is silently dropped.
	for _, part := range env.Inlines {
		if part.FileName == "" {
			continue
		}
		msg.Attachments = append(msg.Attachments, email.Attachment{
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Content:     part.Content,
		})
	}

	return msg, nil
}

// residualHeaders collects the headers that should survive relaying.
func residualHeaders(env *enmime.Envelope) map[string][]string {
	out := make(map[string][]string)
	if env.Root == nil {
		return out
	}
	for key, values := range env.Root.Header {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if _, consumed := consumedHeaders[canonical]; consumed {
			continue
		}
		if _, trace := traceHeaders[canonical]; trace {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	return out
}

// addressList parses an address header into bare addresses, falling
// back to a comma split when the header is not strictly RFC 5322.
func addressList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(raw)
	if err != nil {
		return email.SplitAddressList(raw)
	}
	out := make([]string, 0, len(parsed))
	for _, addr := range parsed {
		out = append(out, addr.Address)
	}
	return out
}

// attachmentName names a part that arrived without a filename; the
// cloud transports require one.
func attachmentName(part *enmime.Part) string {
	if part.FileName != "" {
		return part.FileName
	}
	if _, sub, found := strings.Cut(part.ContentType, "/"); found && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}
