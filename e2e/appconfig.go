package e2e

import (
	"bytes"
	"fmt"
	"net"
	"text/template"

	"github.com/ptgott/mailreport/userconfig"
)

// appConfigOptions is used to fill in a config template with details unique to
// a specific test environment. Keep this as small as possible so the input
// remains as close to a "real" YAML document as we can make it. Also using
// YAML/JSON-compatible types only here.
//
// Fields are exported so we can use them in templates.
type appConfigOptions struct {
	SMTPServerAddress string
	Username          string
	Password          string
	CACertFile        string // enables STARTTLS
	To                []string
	Bcc               []string
	TextFile          string
	HTMLFile          string
	Attachments       []string
	// Filled in from SMTPServerAddress by createAppConfig
	Host string
	Port string
}

const configTemplate = `---
server:
    host: {{ .Host }}
    port: {{ .Port }}
{{- if .Username }}
    username: {{ .Username }}
    password: {{ .Password }}
{{- end }}
{{- if .CACertFile }}
    startTLS: true
    caCertFile: {{ .CACertFile }}
{{- end }}
    timeout: 10s
message:
    from: "Weekly Reports <reports@example.com>"
    replyTo: ops@example.com
    to:
{{- range .To }}
        - "{{ . }}"
{{- end }}
{{- if .Bcc }}
    bcc:
{{- range .Bcc }}
        - "{{ . }}"
{{- end }}
{{- end }}
    subject: "Weekly report für KW 3"
    headers:
        - "X-Report-Run: 42"
{{- if .TextFile }}
    textFile: {{ .TextFile }}
{{- end }}
{{- if .HTMLFile }}
    htmlFile: {{ .HTMLFile }}
{{- end }}
{{- if .Attachments }}
    attachments:
{{- range .Attachments }}
        - {{ . }}
{{- end }}
{{- end }}
limits:
    maxAttachmentSize: 1MiB
timezone: UTC
`

// createAppConfig renders the configuration YAML doc for opts.
func createAppConfig(opts appConfigOptions) ([]byte, error) {
	tmpl, err := template.New("conf").Parse(configTemplate)

	// This means the config template string was written incorrectly. Not
	// an issue with the application itself.
	if err != nil {
		return nil, fmt.Errorf("couldn't parse the application config template: %v", err)
	}

	host, port, err := net.SplitHostPort(opts.SMTPServerAddress)
	if err != nil {
		return nil, fmt.Errorf("couldn't split the SMTP server address: %v", err)
	}

	var config bytes.Buffer

	opts.Host = host
	opts.Port = port
	err = tmpl.Execute(&config, opts)

	// This is an issue with the test environment, not the application
	if err != nil {
		return nil, fmt.Errorf("couldn't populate the application config template: %v", err)
	}

	return config.Bytes(), nil
}

// createUserConfig renders the config for opts and runs it through the same
// parsing and validation as the application.
func createUserConfig(opts appConfigOptions) (userconfig.Meta, error) {
	b, err := createAppConfig(opts)
	if err != nil {
		return userconfig.Meta{}, err
	}
	m, err := userconfig.Parse(bytes.NewReader(b))
	if err != nil {
		return userconfig.Meta{}, err
	}
	return m.CheckAndSetDefaults()
}
