// ABOUTME: Renders an agent's conversation transcript as HTML for operator review
// ABOUTME: Markdown in message bodies is rendered with goldmark

package webhook

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"net/http"

	"github.com/yuin/goldmark"

	"github.com/grulabs/gru/internal/store"
)

var markdown = goldmark.New()

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	agent, err := s.orchestrator.Get(r.Context(), agentID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries, err := s.orchestrator.Transcript(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<!DOCTYPE html>\n<html><head><title>Agent %s</title></head><body>\n", html.EscapeString(agent.ID))
	fmt.Fprintf(&buf, "<h1>%s</h1>\n<p><strong>Status:</strong> %s</p>\n",
		html.EscapeString(agent.Name), html.EscapeString(agent.Status))
	fmt.Fprintf(&buf, "<p><strong>Task:</strong> %s</p>\n<hr>\n", html.EscapeString(agent.Task))

	for _, entry := range entries {
		fmt.Fprintf(&buf, "<h3>%s <small>%s</small></h3>\n",
			html.EscapeString(entry.Role), entry.CreatedAt.Format("2006-01-02 15:04:05"))
		if err := markdown.Convert([]byte(entry.Content), &buf); err != nil {
			fmt.Fprintf(&buf, "<pre>%s</pre>\n", html.EscapeString(entry.Content))
		}
	}
	buf.WriteString("</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
