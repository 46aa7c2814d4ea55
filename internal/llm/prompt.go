package llm

import "strings"

// BuildSystemPrompt is the instruction sent with every resume document.
func BuildSystemPrompt() string {
	parts := []string{
		"You are a resume parser. Read the attached PDF resume and return ONLY a JSON object.",
		"Use the JSON Resume layout: 'basics' (name, label, email, phone, url, summary, location, profiles),",
		"'work', 'education', 'skills', 'projects', 'awards', 'certificates', 'languages', 'volunteer', 'interests'.",
		"Dates use ISO-8601 (YYYY-MM or YYYY-MM-DD).",
		"Copy text faithfully; do not invent employers, titles, dates or contact details.",
		"Never output null. If a section or field is not present, omit it.",
	}
	return strings.Join(parts, " ")
}

// BuildUserPrompt accompanies the file part.
func BuildUserPrompt(filename string) string {
	var b strings.Builder
	b.WriteString("Resume file: ")
	b.WriteString(filename)
	b.WriteString("\n\nReturn ONLY JSON that matches the provided schema.")
	return b.String()
}
