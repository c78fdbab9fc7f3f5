package logger

import (
	"io"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// secretPatterns match credentials that can reach a log line: embedding
// provider keys, bearer headers and credential fields of config dumps.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`Bearer\s+[A-Za-z0-9._~+/-]+=*`),
}

// fieldPattern keeps the field name and replaces only its value, so a
// redacted config dump stays readable.
var fieldPattern = regexp.MustCompile(`(?i)("?(?:api_key|apikey|password)"?\s*[:=]\s*"?)([^\s",}]+)`)

// Redactor masks secrets in log output.
type Redactor struct {
	literals *strings.Replacer
}

// NewRedactor creates a redactor. Each non-empty secret, such as the
// configured embedding API key, is masked wherever it appears verbatim.
func NewRedactor(secrets ...string) *Redactor {
	var pairs []string
	for _, s := range secrets {
		if strings.TrimSpace(s) != "" {
			pairs = append(pairs, s, redacted)
		}
	}

	r := &Redactor{}
	if len(pairs) > 0 {
		r.literals = strings.NewReplacer(pairs...)
	}
	return r
}

// Redact masks every secret in s.
func (r *Redactor) Redact(s string) string {
	if r.literals != nil {
		s = r.literals.Replace(s)
	}
	s = fieldPattern.ReplaceAllString(s, "${1}"+redacted)
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{out: w, redactor: r}
}

type redactingWriter struct {
	out      io.Writer
	redactor *Redactor
}

// Write reports len(p) on success; the redacted line is usually shorter.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.out, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
