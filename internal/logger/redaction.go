package logger

import (
	"io"
	"regexp"
)

// DefaultMask replaces matches of rules that do not set their own replacement.
const DefaultMask = "[REDACTED]"

// Rule pairs a pattern with the text that replaces its matches.
type Rule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor redacts sensitive information from text and log output.
type Redactor struct {
	rules []Rule
}

// SecretRules match credentials that must never reach a log sink.
func SecretRules() []Rule {
	return []Rule{
		{Pattern: regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`)},
		{Pattern: regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`)},
		{Pattern: regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`)},
		{Pattern: regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`)},
		{Pattern: regexp.MustCompile(`(?i)(api_key|apikey|password|secret)["\s:=]+[^\s",}]+`)},
		{Pattern: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	}
}

// PIIRules match payment card and passport numbers.
func PIIRules() []Rule {
	return []Rule{
		{
			Pattern:     regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b|\b\d{13,16}\b`),
			Replacement: "**** **** **** ****",
		},
		{Pattern: regexp.MustCompile(`(?i)\b[A-Z]{2}[0-9]{7}\b`), Replacement: "[REDACTED_PASSPORT]"},
		{Pattern: regexp.MustCompile(`(?i)\b[A-Z][0-9]{7}\b`), Replacement: "[REDACTED_PASSPORT]"},
		{Pattern: regexp.MustCompile(`\b[0-9]{9}\b`), Replacement: "[REDACTED_PASSPORT]"},
	}
}

// NewRedactor creates a redactor covering secrets and PII.
func NewRedactor() *Redactor {
	return NewRedactorWithRules(append(SecretRules(), PIIRules()...))
}

// NewRedactorWithRules creates a redactor with exactly the given rules.
func NewRedactorWithRules(rules []Rule) *Redactor {
	r := &Redactor{rules: make([]Rule, 0, len(rules))}
	for _, rule := range rules {
		if rule.Replacement == "" {
			rule.Replacement = DefaultMask
		}
		r.rules = append(r.rules, rule)
	}
	return r
}

// AddPattern adds a custom pattern masked with DefaultMask.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, Rule{Pattern: re, Replacement: DefaultMask})
	return nil
}

// Redact applies every rule in order.
func (r *Redactor) Redact(s string) string {
	result := s
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success; the redacted payload may differ in length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	return len(p), nil
}
