package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ownedHeaders are written explicitly by BuildRaw and never copied from the
// residual header set. Keys are in canonical MIME form.
var ownedHeaders = map[string]struct{}{
	"From":         {},
	"To":           {},
	"Cc":           {},
	"Bcc":          {},
	"Reply-To":     {},
	"Subject":      {},
	"Date":         {},
	"Message-Id":   {},
	"Mime-Version": {},
	"Content-Type": {},
}

// FormatAddress renders a display-name/address pair as an RFC 5322 address.
func FormatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

// BuildRaw renders the message in RFC 5322 wire format with MIME multipart
// bodies and base64-encoded attachments. Bcc recipients are deliberately
// absent from the headers; they belong in the envelope only.
func BuildRaw(msg *Email) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", msg.From)
	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	}
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	if msg.ReplyTo != "" {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: %s\r\n", messageID(msg))

	for key, values := range msg.RawHeaders {
		if _, owned := ownedHeaders[textproto.CanonicalMIMEHeaderKey(key)]; owned {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", key, v)
		}
	}

	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	if len(msg.Attachments) > 0 {
		return buildMixed(&buf, msg)
	}

	if msg.TextBody != "" && msg.HtmlBody != "" {
		writer := multipart.NewWriter(&buf)
		fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", writer.Boundary())
		if err := writeAlternativeParts(writer, msg); err != nil {
			return nil, err
		}
		writer.Close()
		return buf.Bytes(), nil
	}

	if msg.HtmlBody != "" {
		fmt.Fprintf(&buf, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
		buf.WriteString(msg.HtmlBody)
	} else {
		fmt.Fprintf(&buf, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		buf.WriteString(msg.TextBody)
	}
	return buf.Bytes(), nil
}

// buildMixed writes a multipart/mixed body: the message bodies first, then
// one base64 part per attachment.
func buildMixed(buf *bytes.Buffer, msg *Email) ([]byte, error) {
	writer := multipart.NewWriter(buf)
	fmt.Fprintf(buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	switch {
	case msg.TextBody != "" && msg.HtmlBody != "":
		var alt bytes.Buffer
		inner := multipart.NewWriter(&alt)
		if err := writeAlternativeParts(inner, msg); err != nil {
			return nil, err
		}
		inner.Close()

		header := make(textproto.MIMEHeader)
		header.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", inner.Boundary()))
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, fmt.Errorf("failed to create alternative part: %w", err)
		}
		part.Write(alt.Bytes())
	case msg.HtmlBody != "":
		if err := writeBodyPart(writer, "text/html; charset=UTF-8", msg.HtmlBody); err != nil {
			return nil, err
		}
	case msg.TextBody != "":
		if err := writeBodyPart(writer, "text/plain; charset=UTF-8", msg.TextBody); err != nil {
			return nil, err
		}
	}

	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", contentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%s", mime.QEncoding.Encode("UTF-8", att.Filename)))

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		part.Write([]byte(encodeBase64WithLineBreaks(att.Content)))
	}

	writer.Close()
	return buf.Bytes(), nil
}

// writeAlternativeParts writes the plain part before the HTML part, per the
// multipart/alternative preference order.
func writeAlternativeParts(writer *multipart.Writer, msg *Email) error {
	if err := writeBodyPart(writer, "text/plain; charset=UTF-8", msg.TextBody); err != nil {
		return err
	}
	return writeBodyPart(writer, "text/html; charset=UTF-8", msg.HtmlBody)
}

func writeBodyPart(writer *multipart.Writer, contentType, body string) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}
	part.Write([]byte(body))
	return nil
}

// messageID returns the message's ID, generating one when the producer
// did not supply it.
func messageID(msg *Email) string {
	if msg.MessageID != "" {
		return msg.MessageID
	}
	domain := "mail-relay"
	if at := strings.LastIndex(msg.From, "@"); at >= 0 {
		domain = strings.Trim(strings.TrimSpace(msg.From[at+1:]), "<> ")
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
