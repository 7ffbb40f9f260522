// ABOUTME: HTML pages for the browser half of the flow: consent, errors and the index
// ABOUTME: Templates and the markdown docs are embedded; the index is rendered with goldmark

package gateway

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/yuin/goldmark"

	"github.com/2389/tollgate/internal/oauth"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed docs/*.md
var docsFS embed.FS

type pages struct {
	consent *template.Template
	errPage *template.Template
	index   *template.Template
	docs    template.HTML
}

// consentData is rendered by templates/consent.html.
type consentData struct {
	Title  string
	Prompt oauth.ConsentPrompt
	// Fields are the request fields echoed back as hidden inputs.
	Fields url.Values
	Action string
	Error  string
}

// errorData is rendered by templates/error.html.
type errorData struct {
	Title       string
	Code        string
	Description string
}

type indexData struct {
	Title   string
	Issuer  string
	Content template.HTML
}

func newPages() (*pages, error) {
	parse := func(name string) (*template.Template, error) {
		return template.ParseFS(templateFS, "templates/layout.html", "templates/"+name)
	}
	p := &pages{}
	var err error
	if p.consent, err = parse("consent.html"); err != nil {
		return nil, err
	}
	if p.errPage, err = parse("error.html"); err != nil {
		return nil, err
	}
	if p.index, err = parse("index.html"); err != nil {
		return nil, err
	}

	md, err := docsFS.ReadFile("docs/index.md")
	if err != nil {
		return nil, fmt.Errorf("reading docs: %w", err)
	}
	var buf bytes.Buffer
	if err := goldmark.Convert(md, &buf); err != nil {
		return nil, fmt.Errorf("rendering docs: %w", err)
	}
	p.docs = template.HTML(buf.String())
	return p, nil
}

// render writes a page. Pages in the authorization flow must not be framed or cached.
func render(w http.ResponseWriter, logger *slog.Logger, tmpl *template.Template, status int, data any) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		logger.Error("failed to render page", "template", tmpl.Name(), "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; form-action 'self'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// renderError shows an error directly to the user agent.
func (g *Gateway) renderError(w http.ResponseWriter, status int, code, description string) {
	render(w, g.logger, g.pages.errPage, status, errorData{
		Title:       "Authorization failed",
		Code:        code,
		Description: description,
	})
}

func (g *Gateway) renderConsent(w http.ResponseWriter, status int, prompt oauth.ConsentPrompt, errMsg string) {
	render(w, g.logger, g.pages.consent, status, consentData{
		Title:  "Authorize " + prompt.ClientName,
		Prompt: prompt,
		Fields: prompt.Request.Values(),
		Action: approvePath,
		Error:  errMsg,
	})
}

// handleIndex serves the human-readable landing page.
func (g *Gateway) handleIndex(w http.ResponseWriter, r *http.Request) {
	render(w, g.logger, g.pages.index, http.StatusOK, indexData{
		Title:   "tollgate",
		Issuer:  g.baseURL,
		Content: g.pages.docs,
	})
}
