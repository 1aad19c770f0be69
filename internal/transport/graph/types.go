package graph

import (
	"encoding/base64"
	"net/mail"
	"strings"

	"github.com/shineum/mail-relay/internal/email"
)

// sendMailRequest is the request body for the Graph sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage is the message portion of a sendMail request.
type sendMailMessage struct {
	Subject       string           `json:"subject"`
	Body          messageBody      `json:"body"`
	From          *recipient       `json:"from,omitempty"`
	ToRecipients  []recipient      `json:"toRecipients"`
	CcRecipients  []recipient      `json:"ccRecipients,omitempty"`
	BccRecipients []recipient      `json:"bccRecipients,omitempty"`
	ReplyTo       []recipient      `json:"replyTo,omitempty"`
	Attachments   []fileAttachment `json:"attachments,omitempty"`
}

// messageBody carries the body and whether it is text or html.
type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// recipient wraps an address the way every Graph address field expects.
type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// fileAttachment is a Graph fileAttachment resource.
type fileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// errorResponse is the envelope Graph returns on non-2xx statuses.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts a normalized message into the sendMail
// body. A reply-to matching the relay's placeholder sender is synthetic
// and omitted; providers reject reply-to addresses they know nothing
// about.
func buildSendMailRequest(msg *email.Email, placeholderFrom string, saveToSent bool) *sendMailRequest {
	body := messageBody{ContentType: "text", Content: msg.TextBody}
	if msg.HtmlBody != "" {
		body = messageBody{ContentType: "html", Content: msg.HtmlBody}
	}

	var replyTo []recipient
	if msg.ReplyTo != "" {
		if parsed := parseAddress(msg.ReplyTo); !strings.EqualFold(parsed.Address, placeholderFrom) {
			replyTo = []recipient{{EmailAddress: parsed}}
		}
	}

	var attachments []fileAttachment
	for _, att := range msg.Attachments {
		attachments = append(attachments, fileAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
		})
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:       msg.Subject,
			Body:          body,
			From:          fromRecipient(msg.From),
			ToRecipients:  recipients(msg.To),
			CcRecipients:  recipients(msg.Cc),
			BccRecipients: recipients(msg.Bcc),
			ReplyTo:       replyTo,
			Attachments:   attachments,
		},
		SaveToSentItems: saveToSent,
	}
}

// recipients converts addresses into Graph's structured form.
func recipients(addrs []string) []recipient {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]recipient, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, recipient{EmailAddress: parseAddress(addr)})
	}
	return out
}

func fromRecipient(addr string) *recipient {
	if addr == "" {
		return nil
	}
	return &recipient{EmailAddress: parseAddress(addr)}
}

// parseAddress splits "Name <addr>" forms; anything unparseable is
// passed through as a bare address.
func parseAddress(raw string) emailAddress {
	parsed, err := mail.ParseAddress(raw)
	if err != nil {
		return emailAddress{Address: strings.TrimSpace(raw)}
	}
	return emailAddress{Address: parsed.Address, Name: parsed.Name}
}
