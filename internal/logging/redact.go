package logging

import "regexp"

// Redactor replaces secrets in log output with a placeholder.
type Redactor struct {
	patterns    []*regexp.Regexp
	placeholder string
}

var secretPatterns = []string{
	`sk-(?:ant-)?[A-Za-z0-9-]{20,}`,
	`gh[pousr]_[A-Za-z0-9]{36}`,
	`AKIA[0-9A-Z]{16}`,
	`AIza[0-9A-Za-z_-]{35}`,
	`xox[baprs]-[0-9A-Za-z-]{10,}`,
	// NATS nkey seeds
	`S[UACO][A-Z2-7]{56}`,
	`(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}=*`,
	`(?i)(?:api[_-]?key|secret|token|password)["'\s]*[:=]\s*["']?[^\s"']{8,}`,
	`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
}

// NewRedactor returns a redactor with the default secret patterns.
func NewRedactor() *Redactor {
	r := &Redactor{placeholder: "[REDACTED]"}
	for _, p := range secretPatterns {
		r.patterns = append(r.patterns, regexp.MustCompile(p))
	}
	return r
}

// Redact replaces every secret match in s.
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, r.placeholder)
	}
	return s
}

// AddPattern registers an extra pattern.
func (r *Redactor) AddPattern(expr string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}
