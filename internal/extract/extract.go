// Package extract turns chat attachments into plain text the agent can
// read. Only declared type tags are handled; anything else is rejected
// with ErrUnsupportedType.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultMaxChars caps extracted text when no limit is configured.
const DefaultMaxChars = 20000

// TruncationNote is appended to text cut at the limit.
const TruncationNote = "\n\n[truncated]"

// ErrUnsupportedType is returned for a type tag that is unknown or not
// in the allowed list.
var ErrUnsupportedType = errors.New("extract: unsupported attachment type")

// Format is the extraction routine a type tag maps to.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatEmail    Format = "email"
)

// typeTags maps every accepted tag (Slack filetype or file extension)
// to its format.
var typeTags = map[string]Format{
	"text":     FormatText,
	"txt":      FormatText,
	"markdown": FormatMarkdown,
	"md":       FormatMarkdown,
	"html":     FormatHTML,
	"htm":      FormatHTML,
	"email":    FormatEmail,
	"eml":      FormatEmail,
}

// KnownTypes returns every type tag the package can extract, sorted.
func KnownTypes() []string {
	out := make([]string, 0, len(typeTags))
	for k := range typeTags {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Extractor extracts text for an allowed set of type tags.
type Extractor struct {
	allowed  map[string]Format
	maxChars int
	logger   *slog.Logger
}

// New creates an extractor. An empty allowed list enables every known
// tag; unknown tags in the list are ignored with a warning. A
// non-positive maxChars uses DefaultMaxChars.
func New(allowed []string, maxChars int, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if len(allowed) == 0 {
		allowed = KnownTypes()
	}

	e := &Extractor{allowed: make(map[string]Format), maxChars: maxChars, logger: logger}
	for _, tag := range allowed {
		tag = normalizeTag(tag)
		f, ok := typeTags[tag]
		if !ok {
			logger.Warn("ignoring unknown attachment type", "type", tag)
			continue
		}
		e.allowed[tag] = f
	}
	return e
}

// Allowed reports whether typeTag would be extracted.
func (e *Extractor) Allowed(typeTag string) bool {
	_, ok := e.allowed[normalizeTag(typeTag)]
	return ok
}

// Extract returns the text content of data interpreted as typeTag,
// capped at the configured number of characters.
func (e *Extractor) Extract(typeTag string, data []byte) (string, error) {
	f, ok := e.allowed[normalizeTag(typeTag)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, typeTag)
	}

	var (
		text string
		err  error
	)
	switch f {
	case FormatText, FormatMarkdown:
		text = plainText(data)
	case FormatHTML:
		text = htmlText(data)
	case FormatEmail:
		text, err = emailText(data)
	}
	if err != nil {
		return "", err
	}
	return truncate(text, e.maxChars), nil
}

func normalizeTag(tag string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(tag)), ".")
}

// plainText returns data as valid UTF-8 with normalized line endings.
func plainText(data []byte) string {
	s := strings.ToValidUTF8(string(data), "�")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

// skipElements are HTML elements whose content is not visible text.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Template: true,
}

// htmlText returns the visible text of an HTML document. The title is
// emitted as the first line when present.
func htmlText(data []byte) string {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return plainText(data)
	}

	var sb strings.Builder
	if title := strings.TrimSpace(findTitle(doc)); title != "" {
		sb.WriteString(title)
		sb.WriteString("\n\n")
	}
	walkText(doc, &sb)
	return cleanWhitespace(sb.String())
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return n.FirstChild.Data
		}
		return ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func walkText(n *html.Node, w *strings.Builder) {
	if n.Type == html.ElementNode {
		if skipElements[n.DataAtom] || n.DataAtom == atom.Head {
			return
		}
		if isBlock(n.DataAtom) && w.Len() > 0 {
			w.WriteString("\n\n")
		}
	}
	if n.Type == html.TextNode {
		if t := strings.TrimSpace(n.Data); t != "" {
			w.WriteString(t)
			w.WriteString(" ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, w)
	}
	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		w.WriteString("\n")
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Figcaption, atom.Hr:
		return true
	}
	return false
}

func cleanWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	cleaned := lines[:0]
	prevEmpty := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		cleaned = append(cleaned, line)
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

// emailText returns the subject, sender and text body of an RFC 5322
// message. A text/plain part is preferred; an HTML-only message is
// reduced to visible text. Unknown charsets are tolerated.
func emailText(data []byte) (string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(data))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("read email: %w", err)
	}
	if mr == nil {
		return "", fmt.Errorf("read email: no message")
	}
	defer mr.Close()

	var sb strings.Builder
	if subject, err := mr.Header.Subject(); err == nil && subject != "" {
		fmt.Fprintf(&sb, "Subject: %s\n", subject)
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		fmt.Fprintf(&sb, "From: %s\n", from[0].String())
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		fmt.Fprintf(&sb, "Date: %s\n", date.Format("2006-01-02 15:04"))
	}

	var plain, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return "", fmt.Errorf("read email part: %w", err)
		}
		if part == nil {
			continue
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case ct == "text/plain" && plain == "":
			plain = plainText(body)
		case ct == "text/html" && htmlBody == "":
			htmlBody = htmlText(body)
		}
	}

	body := plain
	if body == "" {
		body = htmlBody
	}
	if body != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(body)
	}
	return strings.TrimSpace(sb.String()), nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + TruncationNote
}
