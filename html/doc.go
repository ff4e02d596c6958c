package html

// html is responsible for rendering the text and HTML bodies of a report
// from templates. It's not concerned with MIME structure or sending. HTML
// bodies get contextual escaping via html/template, while text bodies are
// rendered verbatim.
