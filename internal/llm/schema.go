package llm

// BuildResumeJSONSchema returns the structural check applied to parser
// output: a non-empty top-level object. Field-level rules belong to the
// rendering side and are not enforced here.
func BuildResumeJSONSchema() map[string]any {
	section := map[string]any{"type": []string{"object", "array", "string", "null"}}
	return map[string]any{
		"type":          "object",
		"minProperties": 1,
		"properties": map[string]any{
			"basics":    map[string]any{"type": "object"},
			"work":      section,
			"education": section,
			"skills":    section,
			"projects":  section,
		},
	}
}
