package phase

import (
	"fmt"
	"strings"
	"text/template"
)

var funcs = template.FuncMap{
	"join": strings.Join,
}

var (
	planningTmpl = template.Must(template.New("planning").Funcs(funcs).Parse(`Research topic: {{.Topic}}
Depth tier: {{.Tier}} (produce between {{.Min}} and {{.Max}} sub-questions)

Decompose the topic into independently researchable sub-questions.
Requirements:
- at least one sub-question with focus "limitations" covering known criticisms, risks or limitations;
- at least one sub-question with focus "recent" covering developments from the last two years;
- remaining sub-questions use focus "core";
- give each sub-question two or three concrete search strategies.
{{if .PreviousError}}
Your previous plan was rejected: {{.PreviousError}}
{{end}}`))

	searchTmpl = template.Must(template.New("search").Funcs(funcs).Parse(`Research topic: {{.Topic}}
Sub-question {{.ID}} ({{.Focus}}): {{.Text}}
{{if .Strategies}}Suggested search strategies: {{join .Strategies "; "}}
{{end}}
Investigate the sub-question thoroughly. Prefer primary, peer-reviewed and recent sources and record publication dates.`))

	evaluateTmpl = template.Must(template.New("evaluate").Funcs(funcs).Parse(`Research topic: {{.Topic}}

PLAN:
{{range .Plan}}- {{.ID}} [{{.Focus}}]: {{.Text}}
{{end}}
FINDINGS (latest attempt per sub-question):
{{range .Findings}}- {{.ID}} status={{.Status}}{{if .Summary}}: {{.Summary}}{{end}}
{{end}}
{{if .KnownGaps}}Sub-questions already known to lack usable findings: {{join .KnownGaps ", "}}
{{end}}
Assess coverage. List every gap, reusing sub-question ids for existing questions or proposing new question text for uncovered angles. Set requires_gap_fill when another search pass would materially improve the report.`))

	synthesizeTmpl = template.Must(template.New("synthesize").Funcs(funcs).Parse(`Research topic: {{.Topic}}

Write the final report in markdown with an executive summary, one section per theme, a limitations section, recent developments, and a sources list. Cite findings inline using their ids, e.g. [sq-01].

{{if .Assessment}}Evaluator assessment: {{.Assessment}}
{{end}}
FINDINGS:
{{range .Findings}}### {{.ID}}: {{.Question}}
{{.Payload}}

{{end}}`))
)

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return b.String(), nil
}
