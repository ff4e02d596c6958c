// email is responsible for building MIME-formatted messages from a
// MessageSpec: the part tree, the header block, and the SMTP envelope that
// goes with it. It does not talk to SMTP servers. See the delivery package
// for that.
package email
