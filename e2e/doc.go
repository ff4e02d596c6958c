package e2e

// e2e contains integration tests that take a YAML config through message
// building and delivery to an in-process SMTP server, along with the utility
// code required to set them up. The test server itself lives in smtptest
// since unit tests use it too.
