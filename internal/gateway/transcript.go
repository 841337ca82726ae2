package gateway

import (
	"bytes"
	"html"
	"io/fs"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/vigil-agent/vigil/internal/store"
)

// markdown renders assistant and notable bodies for the transcript
// view. Tool output and system notices stay preformatted.
var markdown = goldmark.New()

// staticSub returns the embedded static tree rooted at its directory.
func staticSub() fs.FS {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		// The static directory is embedded at build time; absence is a
		// packaging bug.
		panic(err)
	}
	return sub
}

// handleTranscript renders the full conversation log as HTML, with
// markdown-formatted assistant output and the notables listed first.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListMessages()
	if err != nil {
		s.logger.Error("list messages", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	notables, err := s.store.ListNotables()
	if err != nil {
		s.logger.Error("list notables", "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}

	var sb strings.Builder
	sb.WriteString("<!doctype html><html><head><meta charset=\"utf-8\"><title>Vigil transcript</title></head><body>\n")

	if len(notables) > 0 {
		sb.WriteString("<h1>Notables</h1>\n")
		for _, n := range notables {
			sb.WriteString("<div class=\"notable\"><h3>")
			sb.WriteString(html.EscapeString(n.Label))
			sb.WriteString("</h3>\n")
			sb.WriteString(renderMarkdown(n.Content))
			if n.Reason != "" {
				sb.WriteString("<p><em>")
				sb.WriteString(html.EscapeString(n.Reason))
				sb.WriteString("</em></p>")
			}
			sb.WriteString("</div>\n")
		}
	}

	sb.WriteString("<h1>Transcript</h1>\n")
	for _, m := range msgs {
		sb.WriteString("<div class=\"msg\"><strong>")
		sb.WriteString(html.EscapeString(m.Source))
		sb.WriteString("</strong> <small>")
		sb.WriteString(m.Timestamp.Format("2006-01-02 15:04:05"))
		sb.WriteString("</small>\n")
		sb.WriteString(renderMessage(m))
		sb.WriteString("</div>\n")
	}
	sb.WriteString("</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(sb.String())); err != nil {
		s.logger.Debug("write transcript", "error", err)
	}
}

// renderMessage picks the rendering per source: markdown for what the
// model and user wrote, preformatted text for machinery.
func renderMessage(m store.Message) string {
	switch m.Source {
	case "assistant", "user":
		return renderMarkdown(m.Content)
	default:
		return "<pre>" + html.EscapeString(m.Content) + "</pre>"
	}
}

// renderMarkdown converts markdown to HTML, falling back to escaped
// preformatted text if conversion fails.
func renderMarkdown(src string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "<pre>" + html.EscapeString(src) + "</pre>"
	}
	return buf.String()
}
