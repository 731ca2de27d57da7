package citations

import (
	"fmt"
	"strings"

	"genpaper/internal/models"
)

type Style string

const (
	StyleAuthorYear Style = "author-year"
	StyleNumeric    Style = "numeric"
)

func ParseStyle(s string) (Style, error) {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case "", StyleAuthorYear, "apa":
		return StyleAuthorYear, nil
	case StyleNumeric, "ieee":
		return StyleNumeric, nil
	}
	return "", fmt.Errorf("unknown citation style %q", s)
}

// Format renders the inline form. For numeric style n is the citation number; n <= 0
// falls back to first_seen_order.
func Format(c models.Citation, style Style, n int) string {
	if style == StyleNumeric {
		if n <= 0 {
			n = c.FirstSeenOrder
		}
		return fmt.Sprintf("[%d]", n)
	}
	return "(" + inlineAuthors(c.CSL) + ", " + yearText(c.CSL) + ")"
}

func inlineAuthors(csl models.CSL) string {
	switch len(csl.Author) {
	case 0:
		t := strings.Fields(csl.Title)
		if len(t) > 4 {
			t = append(t[:4], "…")
		}
		return `"` + strings.Join(t, " ") + `"`
	case 1:
		return familyOf(csl.Author[0])
	case 2:
		return familyOf(csl.Author[0]) + " & " + familyOf(csl.Author[1])
	default:
		return familyOf(csl.Author[0]) + " et al."
	}
}

func yearText(csl models.CSL) string {
	if y := csl.Year(); y > 0 {
		return fmt.Sprint(y)
	}
	return "n.d."
}

// FormatReference renders one bibliography entry.
func FormatReference(c models.Citation, style Style, n int) string {
	csl := c.CSL
	var b strings.Builder
	if style == StyleNumeric {
		if n <= 0 {
			n = c.FirstSeenOrder
		}
		fmt.Fprintf(&b, "[%d] ", n)
		if names := joinNames(csl.Author, initialsFirst); names != "" {
			b.WriteString(names + ", ")
		}
		b.WriteString(`"` + strings.TrimSpace(csl.Title) + `"`)
		if csl.ContainerTitle != "" {
			b.WriteString(", " + csl.ContainerTitle)
		}
		b.WriteString(", " + yearText(csl) + ".")
	} else {
		if names := joinNames(csl.Author, familyFirst); names != "" {
			b.WriteString(names + " ")
		}
		b.WriteString("(" + yearText(csl) + "). ")
		b.WriteString(strings.TrimRight(strings.TrimSpace(csl.Title), ".") + ".")
		if csl.ContainerTitle != "" {
			b.WriteString(" " + csl.ContainerTitle + ".")
		}
	}
	switch {
	case csl.DOI != "":
		b.WriteString(" https://doi.org/" + csl.DOI)
	case csl.URL != "":
		b.WriteString(" " + csl.URL)
	}
	return b.String()
}

// Bibliography renders every citation of a project in first-seen order.
func Bibliography(cs []models.Citation, style Style) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, FormatReference(c, style, c.FirstSeenOrder))
	}
	return out
}

func initials(given string) string {
	parts := strings.FieldsFunc(given, func(r rune) bool { return r == ' ' || r == '-' || r == '.' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		r := []rune(p)
		out = append(out, string(r[0])+".")
	}
	return strings.Join(out, " ")
}

func familyFirst(n models.CSLName) string {
	if n.Family == "" {
		return n.Literal
	}
	if n.Given == "" {
		return n.Family
	}
	return n.Family + ", " + initials(n.Given)
}

func initialsFirst(n models.CSLName) string {
	if n.Family == "" {
		return n.Literal
	}
	if n.Given == "" {
		return n.Family
	}
	return initials(n.Given) + " " + n.Family
}

func joinNames(names []models.CSLName, render func(models.CSLName) string) string {
	parts := make([]string, 0, len(names))
	for _, n := range names {
		if s := render(n); s != "" {
			parts = append(parts, s)
		}
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	case 2:
		return parts[0] + ", & " + parts[1]
	}
	if len(parts) > 6 {
		return strings.Join(parts[:6], ", ") + ", et al."
	}
	return strings.Join(parts[:len(parts)-1], ", ") + ", & " + parts[len(parts)-1]
}
