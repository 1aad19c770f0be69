package email

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNoRecipient is returned when a message has no valid recipients left
// after splitting, trimming, and deduplication.
var ErrNoRecipient = errors.New("no valid recipients")

var (
	// tagNameRe captures the element name of any opening or closing HTML tag.
	tagNameRe = regexp.MustCompile(`(?i)</?([a-z][a-z0-9]*)\b[^>]*>`)
	// brTagRe matches <br> in its common spellings.
	brTagRe = regexp.MustCompile(`(?i)<br\s*/?>`)
	// anyTagRe strips whatever markup remains after <br> handling.
	anyTagRe = regexp.MustCompile(`<[^>]*>`)
)

// SplitAddressList splits a comma-joined address string into trimmed,
// non-empty addresses. A plain single address passes through unchanged.
func SplitAddressList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// NormalizeAddresses expands comma-joined entries, trims whitespace, drops
// empties, and deduplicates case-insensitively keeping the first occurrence.
// Splitting a comma-joined string yields the same set as passing the
// equivalent list directly.
func NormalizeAddresses(addrs []string) []string {
	if len(addrs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, raw := range addrs {
		for _, addr := range SplitAddressList(raw) {
			key := strings.ToLower(addr)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// Normalize canonicalizes the message in place: recipient lists are split and
// deduplicated, cc:/bcc: header lines are folded into the explicit lists, a
// reply-to header is promoted to the ReplyTo field, and the body content type
// is resolved. It returns ErrNoRecipient when no To recipient survives.
func (m *Email) Normalize() error {
	m.To = NormalizeAddresses(m.To)
	m.Cc = append(m.Cc, m.takeHeaderAddresses("Cc")...)
	m.Bcc = append(m.Bcc, m.takeHeaderAddresses("Bcc")...)
	m.Cc = NormalizeAddresses(m.Cc)
	m.Bcc = NormalizeAddresses(m.Bcc)

	if m.ReplyTo == "" {
		if v := m.headerGet("Reply-To"); v != "" {
			m.ReplyTo = strings.TrimSpace(v)
		}
	}
	m.headerDel("Reply-To")

	m.resolveContent()

	if len(m.To) == 0 {
		return ErrNoRecipient
	}
	return nil
}

// resolveContent decides between HTML and plain text. An explicit
// Content-Type header wins; otherwise markup in the body promotes it to HTML,
// and markup-free bodies are forced plain with residual <br> downgraded.
func (m *Email) resolveContent() {
	ct := strings.ToLower(m.headerGet("Content-Type"))
	m.headerDel("Content-Type")

	switch {
	case m.HtmlBody != "":
		// Already tagged as HTML by the producer.
	case strings.Contains(ct, "text/html"):
		m.HtmlBody = m.TextBody
		m.TextBody = ""
	case strings.Contains(ct, "text/plain"):
		// Declared plain: body is passed through verbatim.
	case containsMarkup(m.TextBody):
		m.HtmlBody = m.TextBody
		m.TextBody = ""
	default:
		m.TextBody = ForcePlainText(m.TextBody)
	}
}

// ForcePlainText downgrades <br> sequences to newlines and strips any other
// tags, for bodies being treated as plain text.
func ForcePlainText(body string) string {
	out := brTagRe.ReplaceAllString(body, "\n")
	return anyTagRe.ReplaceAllString(out, "")
}

// containsMarkup reports whether the body carries HTML beyond bare <br> tags.
func containsMarkup(body string) bool {
	for _, match := range tagNameRe.FindAllStringSubmatch(body, -1) {
		if !strings.EqualFold(match[1], "br") {
			return true
		}
	}
	return false
}

// takeHeaderAddresses removes the named header (case-insensitive) from the
// residual set and returns the addresses its lines carried.
func (m *Email) takeHeaderAddresses(name string) []string {
	if m.RawHeaders == nil {
		return nil
	}
	var out []string
	for key, values := range m.RawHeaders {
		if !strings.EqualFold(key, name) {
			continue
		}
		for _, v := range values {
			out = append(out, SplitAddressList(v)...)
		}
		delete(m.RawHeaders, key)
	}
	return out
}

// headerGet returns the first value of the named residual header,
// matching the name case-insensitively.
func (m *Email) headerGet(name string) string {
	for key, values := range m.RawHeaders {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// headerDel removes every spelling of the named residual header.
func (m *Email) headerDel(name string) {
	for key := range m.RawHeaders {
		if strings.EqualFold(key, name) {
			delete(m.RawHeaders, key)
		}
	}
}
