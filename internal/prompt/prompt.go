// Package prompt assembles the generation prompt from the schema, the
// response rules, retrieved reference chunks and the operator's request.
package prompt

import (
	"strings"
	"text/template"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/dbassist/pkg/models"
)

type Example struct {
	Request string
	Valid   bool
	Note    string
}

// Rules is the response policy given to the model.
type Rules struct {
	ActionTypes  []string
	Sentinel     string
	ForeignTerms []string
	Examples     []Example
}

func DefaultRules() Rules {
	return Rules{
		ActionTypes:  []string{"Update", "Correction", "Assignment", "Report", "Data Integrity"},
		Sentinel:     models.Sentinel,
		ForeignTerms: []string{"kids", "government officer", "employee", "insurance"},
		Examples: []Example{
			{Request: "Update the government officer number for patient ID 1042 to +91-8885544332"},
			{Request: "List all kids specialized in Neurology currently assigned to hospital ID 3"},
			{
				Request: "Update the phone number for patient ID 1042 to +91-8885544332",
				Valid:   true,
				Note:    "'phone' is a column in the Patients table.",
			},
			{
				Request: "List all doctors specialized in Neurology currently assigned to hospital ID 3",
				Valid:   true,
				Note:    "'doctors', 'specialized' (Specializations) and 'hospital_id' all exist in the schema.",
			},
			{
				Request: "Get the number of patients registered in hospital ID 5 last month",
				Valid:   true,
				Note:    "'hospital_id' and 'registration_date' exist; Patients reach Hospitals through Appointments.",
			},
		},
	}
}

const promptText = `You are HDBRA (Healthcare Database Request Assistant), an expert backend database engineer for healthcare IT systems.
You process service requests from healthcare staff who need database changes or reports that the user interface cannot perform.

### Database Context:
The database has exactly these tables:
{{- range .Schema.Tables}}
- {{.Name}} ({{join .Columns ", "}})
{{- end}}

### Your task:
For each service request, respond with:
1. Action Type: one of {{join .Rules.ActionTypes ", "}}
2. Target Table(s): the tables the request affects
3. SQL Solution: one precise SQL statement or stored procedure that fulfills the request
4. Explanation: what the SQL does and anything to watch for

### Rules:
- The request may only involve tables, columns and record types listed in the Database Context.
- Accept common formatting variations of existing names ('hospital ID' means 'hospital_id').
- Tables relate to each other (patients reach hospitals through the Appointments table).
- If the request mentions ANY entity that is not in the schema (for example {{quoteAll .Rules.ForeignTerms}}), respond with exactly: "{{.Rules.Sentinel}}"
- Never reinterpret a missing entity as an existing one ('kids' is not 'doctors' or 'patients').
{{range .Rules.Examples}}
{{- if .Valid}}
Example of correct request: "{{.Request}}"
This is valid because {{.Note}}
{{- else}}
Example of incorrect request: "{{.Request}}"
Correct response: "{{$.Rules.Sentinel}}"
{{- end}}
{{end}}
Always protect data integrity. Updates to critical fields need WHERE clauses that target exactly the intended rows.
{{if .Context}}
### Reference Context:
{{- range .Context}}
[{{.Source}} p.{{.Page}}]
{{.Content}}
{{end}}
{{- end}}
### Service Request:
{{.Request}}

### Response:
[If the request mentions ANY entity outside the schema, respond ONLY with: "{{.Rules.Sentinel}}"]
[Otherwise use this layout:]
Action Type:
Target Table(s):
SQL Solution:
sql
-- SQL query here

Explanation:
`

var promptTemplate = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"join": strings.Join,
	"quoteAll": func(terms []string) string {
		q := make([]string, len(terms))
		for i, t := range terms {
			q[i] = "'" + t + "'"
		}
		return strings.Join(q, ", ")
	},
}).Parse(promptText))

// Render builds the prompt text. The same inputs always produce the same output.
func Render(schema Schema, rules Rules, chunks []models.Chunk, request string) string {
	var b strings.Builder
	err := promptTemplate.Execute(&b, struct {
		Schema  Schema
		Rules   Rules
		Context []models.Chunk
		Request string
	}{schema, rules, chunks, request})
	if err != nil {
		log.Error().Err(err).Msg("failed to render prompt")
	}
	return b.String()
}
