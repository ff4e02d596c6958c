package html

import (
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

// ReportData is used to populate body templates, e.g.
// {{ .Date.Format "2006-01-02" }} or {{ .Vars.build }}.
type ReportData struct {
	Subject string
	Date    time.Time
	Vars    map[string]string
}

// RenderText executes src as a text/template. A reference to a missing
// variable is an error rather than "<no value>".
func RenderText(src string, d ReportData) (string, error) {
	tmpl, err := texttemplate.New("text").Option("missingkey=error").Parse(src)
	if err != nil {
		return "", err
	}
	var str strings.Builder
	if err := tmpl.Execute(&str, d); err != nil {
		return "", err
	}
	return str.String(), nil
}

// RenderHTML executes src as an html/template, escaping values for the
// context they appear in. A reference to a missing variable is an error.
func RenderHTML(src string, d ReportData) (string, error) {
	tmpl, err := htmltemplate.New("html").Option("missingkey=error").Parse(src)
	if err != nil {
		return "", err
	}
	var str strings.Builder
	if err := tmpl.Execute(&str, d); err != nil {
		return "", err
	}
	return str.String(), nil
}
