package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ptgott/mailreport/smtptest"
)

const (
	reportText = "All 12 checks passed.\nNext run: Monday.\n"
	reportHTML = "<p>All <b>12</b> checks passed.</p>"
)

// testEnvironmentConfig exposes options that should be available and
// perhaps changeable when spinning up a test environment. While they
// may not vary between tests, they shouldn't be buried inside
// functions.
type testEnvironmentConfig struct {
	tls            bool // offer STARTTLS with a freshly generated root cert
	username       string
	password       string
	numAttachments int // how many files to create for attaching
}

// testEnvironment manages all dependencies required to simulate a "real"
// environment and run the e2e tests. Callers should create this via
// startTestEnvironment.
type testEnvironment struct {
	SMTPServer      *smtptest.InProcessServer
	tempDirPath     string
	certPath        string // empty without TLS
	textPath        string
	htmlPath        string
	attachmentPaths []string
}

// startTestEnvironment writes the message files and starts an SMTP server.
// Callers should defer a call to tearDown.
//
// Note that if startTestEnvironment fails, it will return an error along with
// whatever shreds of a test environment we've set up so far so you can tear
// it down (i.e., it won't just be the zero value)
func startTestEnvironment(t *testing.T, c testEnvironmentConfig) (*testEnvironment, error) {
	te := &testEnvironment{
		tempDirPath: t.TempDir(),
	}

	te.textPath = filepath.Join(te.tempDirPath, "report.txt")
	if err := os.WriteFile(te.textPath, []byte(reportText), 0o600); err != nil {
		return te, fmt.Errorf("could not write the text body: %w", err)
	}
	te.htmlPath = filepath.Join(te.tempDirPath, "report.html")
	if err := os.WriteFile(te.htmlPath, []byte(reportHTML), 0o600); err != nil {
		return te, fmt.Errorf("could not write the HTML body: %w", err)
	}
	for i := 0; i < c.numAttachments; i++ {
		p := filepath.Join(te.tempDirPath, fmt.Sprintf("results-%v.csv", i))
		if err := os.WriteFile(p, []byte(fmt.Sprintf("check,status\n%v,ok\n", i)), 0o600); err != nil {
			return te, fmt.Errorf("could not write an attachment: %w", err)
		}
		te.attachmentPaths = append(te.attachmentPaths, p)
	}

	opts := smtptest.Options{
		Username: c.username,
		Password: c.password,
	}
	if c.tls {
		key, cert, err := smtptest.GenerateTLSFiles(t)
		if err != nil {
			return te, err
		}
		opts.KeyPath = key
		opts.CertPath = cert
		te.certPath = cert
	}
	ts := smtptest.NewInProcessServer(opts)

	te.SMTPServer = ts

	go ts.Start()

	return te, nil
}

// tearDown returns the testEnvironment to its state prior to start. Designed
// to call with defer. The temporary directory is removed by the testing
// package.
func (te *testEnvironment) tearDown() {
	if te.SMTPServer != nil {
		te.SMTPServer.Close()
	}
}

// emailsSince returns the bodies s received after epoch nanoseconds ts,
// failing the test if they can't be retrieved.
func emailsSince(t *testing.T, s smtptest.Server, ts int64) []string {
	t.Helper()
	ems, err := s.RetrieveEmails(ts)
	if err != nil {
		t.Fatalf("can't retrieve email from the test SMTP server: %v", err)
	}
	return ems
}
