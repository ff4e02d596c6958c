// delivery is responsible for handing a built message to an SMTP server:
// connecting, negotiating TLS and authentication, transmitting, and
// classifying what the server refused. It reports per-recipient outcomes in
// a SendResult rather than failing the whole send when only some
// recipients are refused.
package delivery
