// Package render fills {{placeholder}} markers in step templates with lead
// attributes.
package render

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/outreach-engine/internal/model"
)

// AIPersonalization is the marker replaced with the lead's researched DM draft.
const AIPersonalization = "ai_personalization"

// Renderer turns a template and attribute set into message text.
type Renderer interface {
	Render(tmpl string, attrs map[string]string) (string, error)
}

// MissingPlaceholderError lists placeholders with no attribute value.
type MissingPlaceholderError struct {
	Names []string
}

func (e *MissingPlaceholderError) Error() string {
	return "render: missing placeholder(s): " + strings.Join(e.Names, ", ")
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Placeholders renders templates with {{name}} markers. Whitespace inside the
// braces is ignored. A marker whose attribute is absent or empty is an error.
type Placeholders struct{}

// New returns a placeholder renderer.
func New() *Placeholders { return &Placeholders{} }

// Render implements Renderer.
func (Placeholders) Render(tmpl string, attrs map[string]string) (string, error) {
	missing := map[string]bool{}
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := attrs[name]
		if !ok || strings.TrimSpace(v) == "" {
			missing[name] = true
			return m
		}
		return v
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", &MissingPlaceholderError{Names: names}
	}
	return norm.NFC.String(out), nil
}

// Placeholders returns the distinct marker names used in tmpl, in order of
// first appearance.
func (Placeholders) Placeholders(tmpl string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// LeadAttributes builds the attribute set for rendering step stepNumber to
// lead. Names are title-cased. The ai_personalization attribute is present
// only when research is complete and has a draft for the step.
func LeadAttributes(lead model.Lead, stepNumber int) map[string]string {
	first := properName(lead.FirstName)
	last := properName(lead.LastName)
	attrs := map[string]string{
		"first_name":  first,
		"last_name":   last,
		"name":        strings.TrimSpace(first + " " + last),
		"full_name":   strings.TrimSpace(first + " " + last),
		"email":       lead.Email,
		"company":     strings.TrimSpace(lead.Company),
		"title":       strings.TrimSpace(lead.Title),
		"industry":    strings.TrimSpace(lead.Industry),
		"website":     strings.TrimSpace(lead.Website),
		"firm_size":   strings.TrimSpace(lead.FirmSize),
		"step_number": strconv.Itoa(stepNumber),
	}
	for k, v := range attrs {
		if v == "" {
			delete(attrs, k)
		}
	}
	if lead.ResearchStatus == model.ResearchComplete && lead.Research != nil {
		if i := stepNumber - 1; i >= 0 && i < len(lead.Research.DMSequence) {
			if draft := strings.TrimSpace(lead.Research.DMSequence[i]); draft != "" {
				attrs[AIPersonalization] = draft
			}
		}
	}
	return attrs
}

// properName title-cases names that arrive all upper or all lower case and
// leaves mixed-case input (McDonald, DeVries) alone.
func properName(s string) string {
	s = strings.TrimSpace(norm.NFC.String(s))
	if s == "" {
		return ""
	}
	if s == strings.ToUpper(s) || s == strings.ToLower(s) {
		// Casers are stateful and must not be shared across goroutines.
		return cases.Title(language.English).String(s)
	}
	return s
}
