package delivery

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

const (
	defaultPort     = 25
	defaultHeloName = "localhost"
)

// ServerConfig represents the SMTP server options provided by the user.
// Validate it with CheckAndSetDefaults before handing it to NewSession.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Upgrade the connection with STARTTLS after the greeting.
	StartTLS bool `yaml:"startTLS"`
	// Accept any certificate the server presents, including self-signed
	// ones and ones for a different host name. Insecure.
	SkipCertVerification bool `yaml:"skipCertVerification"`
	// PEM file with additional roots to trust when verifying the server.
	CACertFile string `yaml:"caCertFile"`
	// Log the SMTP conversation.
	Debug bool `yaml:"debug"`
	// Bounds the whole delivery attempt, from dialing to QUIT. Zero means
	// no limit beyond the caller's context.
	Timeout  time.Duration `yaml:"timeout"`
	HeloName string        `yaml:"heloName"`
}

// CheckAndSetDefaults validates c and either returns a copy of c with
// default settings applied or returns an error due to an invalid
// configuration.
func (c *ServerConfig) CheckAndSetDefaults() (ServerConfig, error) {
	n := *c
	if n.Host == "" {
		return ServerConfig{}, errors.New("must supply an SMTP server host")
	}
	if n.Port == 0 {
		n.Port = defaultPort
	}
	if n.Port < 0 || n.Port > 65535 {
		return ServerConfig{}, fmt.Errorf("SMTP server port %v is out of range", n.Port)
	}
	if n.Timeout < 0 {
		return ServerConfig{}, errors.New("the SMTP timeout can't be negative")
	}
	if n.HeloName == "" {
		n.HeloName = defaultHeloName
	}
	if n.CACertFile != "" && !n.StartTLS {
		return ServerConfig{}, errors.New("a CA certificate file only makes sense with startTLS enabled")
	}
	return n, nil
}

// AuthEnabled returns true if both a username and a password are set. We
// don't attempt AUTH otherwise.
func (c *ServerConfig) AuthEnabled() bool {
	return c.Username != "" && c.Password != ""
}

// Address returns host:port for dialing.
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TLSConfig returns the client configuration used for STARTTLS.
func (c *ServerConfig) TLSConfig() (*tls.Config, error) {
	tc := &tls.Config{
		ServerName: c.Host,
		MinVersion: tls.VersionTLS12,
		// Disables both the host name check and chain verification.
		InsecureSkipVerify: c.SkipCertVerification,
	}
	if c.CACertFile == "" {
		return tc, nil
	}

	b, err := os.ReadFile(c.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("can't read the CA certificate file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("no PEM certificates found in %v", c.CACertFile)
	}
	tc.RootCAs = pool
	return tc, nil
}
