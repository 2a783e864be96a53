package connector

import (
	"html/template"
	"net/http"

	"github.com/chatlink/connector/pkg/logger"
)

// The redirect-flow endpoints talk to a person mid-redirect, so their output
// is a small self-contained HTML page rather than JSON.

const basePage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
code { font-size: 1.5rem; letter-spacing: 0.3rem; background: #f0f0f0; padding: 0.3rem 0.6rem; border-radius: 4px; }
.error { color: #a00; }
</style>
{{if .RedirectURL}}<meta http-equiv="refresh" content="0; url={{.RedirectURL}}">{{end}}
</head>
<body>
<h1{{if .IsError}} class="error"{{end}}>{{.Title}}</h1>
<p>{{.Body}}</p>
{{if .Code}}<p><code>{{.Code}}</code></p>{{end}}
{{if .RedirectURL}}<p><a href="{{.RedirectURL}}">Continue</a> if you are not redirected automatically.</p>{{end}}
</body>
</html>
`

type pageData struct {
	Title       string
	Body        string
	Code        string
	RedirectURL string
	IsError     bool
}

type pages struct {
	tmpl       *template.Template
	vendorName string
}

func newPages(vendorName string) *pages {
	return &pages{
		tmpl:       template.Must(template.New("page").Parse(basePage)),
		vendorName: vendorName,
	}
}

// renderStart renders the bounce page that forwards the browser to the
// vendor's authorization endpoint.
func (p *pages) renderStart(w http.ResponseWriter, authorizationURL string) {
	p.render(w, http.StatusOK, pageData{
		Title:       "Signing in to " + p.vendorName,
		Body:        "Taking you to " + p.vendorName + " to sign in.",
		RedirectURL: authorizationURL,
	})
}

// renderCallback shows the one-time verification code the user must deliver
// back through the chat surface.
func (p *pages) renderCallback(w http.ResponseWriter, verificationCode string) {
	p.render(w, http.StatusOK, pageData{
		Title: "Almost there",
		Body: "You have signed in to " + p.vendorName +
			". To finish, type this verification code into the chat:",
		Code: verificationCode,
	})
}

// renderError shows a failure page; the message must already be safe to show.
func (p *pages) renderError(w http.ResponseWriter, status int, message string) {
	p.render(w, status, pageData{
		Title:   "Sign-in failed",
		Body:    message,
		IsError: true,
	})
}

func (p *pages) render(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := p.tmpl.Execute(w, data); err != nil {
		logger.Errorf("failed to render page %q: %v", data.Title, err)
	}
}
