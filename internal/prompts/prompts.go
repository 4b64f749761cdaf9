package prompts

import (
	"regexp"
	"strings"

	"github.com/hubenschmidt/casecall/internal/patients"
)

const (
	DefaultSystem       = "You are a helpful AI assistant."
	DefaultFirstMessage = "Hello! How can I help you today?"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z_]+)\s*\}\}`)

// aliases maps every accepted placeholder name to its canonical field.
var aliases = map[string]string{
	"caller_name":    "caller_name",
	"doctor_name":    "caller_name",
	"clinician_name": "caller_name",

	"patient_name": "patient_name",
	"name":         "patient_name",

	"age":         "age",
	"patient_age": "age",
	"years_old":   "age",

	"sex":         "sex",
	"gender":      "sex",
	"patient_sex": "sex",

	"case_summary":    "case_summary",
	"case_history":    "case_summary",
	"history":         "case_summary",
	"summary":         "case_summary",
	"chief_complaint": "case_summary",
	"complaint":       "case_summary",
	"case":            "case_summary",
}

func canonical(c *patients.CaseContext) map[string]string {
	return map[string]string{
		"caller_name":  c.CallerName,
		"patient_name": c.PatientName,
		"age":          string(c.Age),
		"sex":          c.Sex,
		"case_summary": c.Summary,
	}
}

// Fill replaces each {{token}} in tmpl with the matching case field. Token
// names are case sensitive; unknown tokens become "". An empty template or nil
// context returns tmpl unchanged.
func Fill(tmpl string, c *patients.CaseContext) string {
	if tmpl == "" || c == nil {
		return tmpl
	}
	values := canonical(c)
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		return values[aliases[name]]
	})
}

// ForSession resolves the final system prompt for a call session.
func ForSession(systemPrompt string, c *patients.CaseContext) string {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystem
	}
	return Fill(systemPrompt, c)
}

// FirstMessage picks the opening line: a non-blank override wins over the
// configured message. The result is filled and trimmed; "" means the engine
// should not speak first.
func FirstMessage(override, configured string, c *patients.CaseContext) string {
	msg := strings.TrimSpace(override)
	if msg == "" {
		msg = strings.TrimSpace(configured)
	}
	return strings.TrimSpace(Fill(msg, c))
}
