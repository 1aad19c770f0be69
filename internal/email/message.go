// Package email defines the message model shared by every transport, plus the
// normalization rules applied before a message is routed.
package email

// Email represents a mail message on its way to a transport.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	ReplyTo     string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Clone returns a deep copy so normalization never mutates the caller's message.
func (m *Email) Clone() *Email {
	out := *m
	out.To = append([]string(nil), m.To...)
	out.Cc = append([]string(nil), m.Cc...)
	out.Bcc = append([]string(nil), m.Bcc...)
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	if m.RawHeaders != nil {
		out.RawHeaders = make(map[string][]string, len(m.RawHeaders))
		for k, v := range m.RawHeaders {
			out.RawHeaders[k] = append([]string(nil), v...)
		}
	}
	return &out
}
