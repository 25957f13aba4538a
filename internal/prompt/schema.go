package prompt

import (
	"regexp"
	"strings"
	"unicode"
)

type Table struct {
	Name    string
	Columns []string
}

// Schema is the ordered set of tables requests may refer to.
type Schema struct {
	Tables []Table
}

// DefaultSchema returns the healthcare schema.
func DefaultSchema() Schema {
	return Schema{Tables: []Table{
		{"Doctors", []string{"doctor_id", "name", "gender", "email", "phone", "date_joined", "status"}},
		{"Doctor_Licenses", []string{"license_id", "doctor_id", "license_number", "issue_date", "expiry_date", "issuing_authority"}},
		{"Specializations", []string{"specialization_id", "name", "description"}},
		{"Doctor_Specializations", []string{"doctor_id", "specialization_id", "certification_date"}},
		{"Hospitals", []string{"hospital_id", "name", "address", "city", "state", "contact_number", "email"}},
		{"Departments", []string{"dept_id", "hospital_id", "name", "floor", "wing", "head_doctor_id"}},
		{"Doctor_Hospital_Assignments", []string{"assignment_id", "doctor_id", "hospital_id", "dept_id", "start_date", "end_date", "status"}},
		{"Patients", []string{"patient_id", "name", "gender", "date_of_birth", "address", "phone", "email", "blood_group", "registration_date"}},
		{"Appointments", []string{"appointment_id", "patient_id", "doctor_id", "hospital_id", "dept_id", "appointment_date", "status", "notes"}},
	}}
}

// NormalizeIdentifier folds case and joins words with underscores, so
// "hospital ID", "Hospital-Id" and "hospital_id" compare equal.
func NormalizeIdentifier(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		pending = true
	}
	return b.String()
}

func (s Schema) table(name string) (Table, bool) {
	n := NormalizeIdentifier(name)
	for _, t := range s.Tables {
		if NormalizeIdentifier(t.Name) == n {
			return t, true
		}
	}
	return Table{}, false
}

func (s Schema) HasTable(name string) bool {
	_, ok := s.table(name)
	return ok
}

func (s Schema) isColumn(name string) bool {
	n := NormalizeIdentifier(name)
	for _, t := range s.Tables {
		for _, col := range t.Columns {
			if col == n {
				return true
			}
		}
	}
	return false
}

var (
	sqlLineComment  = regexp.MustCompile(`--[^\n]*`)
	sqlBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	sqlString       = regexp.MustCompile(`'(?:[^']|'')*'`)
	sqlTableRef     = regexp.MustCompile("(?i)\\b(from|join|update|into)\\s+(\"[^\"]+\"|`[^`]+`|[a-z_][\\w.]*)")
	sqlCTE          = regexp.MustCompile(`(?i)\b([a-z_]\w*)\s+as\s*\(`)
)

// sqlKeywords can follow FROM, JOIN, UPDATE or INTO without naming a table.
// The niladic datetime and session functions take no parentheses.
var sqlKeywords = map[string]bool{
	"select": true, "set": true, "values": true, "lateral": true, "only": true,
	"current_date": true, "current_time": true, "current_timestamp": true,
	"localtime": true, "localtimestamp": true, "current_user": true,
	"session_user": true, "user": true, "current_role": true,
	"current_schema": true, "current_catalog": true, "dual": true,
}

var (
	sqlDeclare   = regexp.MustCompile(`(?is)\bdeclare\b(.*?)\bbegin\b`)
	sqlStatement = regexp.MustCompile(`(?i)\b(select|insert|merge|fetch|returning|execute)\b`)
	sqlPrevWord  = regexp.MustCompile(`(?i)([a-z_]+)\s*$`)
)

// UnknownTables returns table names referenced by sql that are not in the
// schema, in order of first appearance. CTE names, subqueries, functions,
// schema columns (as in EXTRACT(YEAR FROM col)) and procedural variables
// (DECLARE blocks, SELECT ... INTO v) are not reported.
func (s Schema) UnknownTables(sql string) []string {
	clean := sqlBlockComment.ReplaceAllString(sql, " ")
	clean = sqlLineComment.ReplaceAllString(clean, " ")
	clean = sqlString.ReplaceAllString(clean, "''")

	skip := map[string]bool{}
	for _, m := range sqlCTE.FindAllStringSubmatch(clean, -1) {
		skip[NormalizeIdentifier(m[1])] = true
	}
	for _, v := range declaredVariables(clean) {
		skip[v] = true
	}

	var out []string
	seen := map[string]bool{}
	for _, loc := range sqlTableRef.FindAllStringSubmatchIndex(clean, -1) {
		kw := strings.ToLower(clean[loc[2]:loc[3]])
		switch kw {
		case "from", "join":
			// table functions in FROM/JOIN: unnest(...), generate_series(...)
			if strings.HasPrefix(clean[loc[1]:], "(") {
				continue
			}
			if kw == "from" && inCallArgs(clean[:loc[0]]) {
				continue
			}
			if kw == "from" && strings.EqualFold(previousWord(clean[:loc[0]]), "distinct") {
				continue
			}
		case "update":
			if strings.EqualFold(previousWord(clean[:loc[0]]), "for") {
				continue
			}
		case "into":
			if !intoNamesTable(clean[:loc[0]]) {
				continue
			}
		}
		name := strings.Trim(clean[loc[4]:loc[5]], "\"`")
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		n := NormalizeIdentifier(name)
		if n == "" || sqlKeywords[n] || skip[n] || seen[n] {
			continue
		}
		if s.HasTable(name) || s.isColumn(name) {
			continue
		}
		seen[n] = true
		out = append(out, name)
	}
	return out
}

func previousWord(before string) string {
	m := sqlPrevWord.FindStringSubmatch(before)
	if m == nil {
		return ""
	}
	return m[1]
}

// inCallArgs reports whether the innermost open parenthesis in before holds
// function arguments, as in EXTRACT(... FROM x) or TRIM(... FROM x), rather
// than a subquery.
func inCallArgs(before string) bool {
	depth := 0
	for i := len(before) - 1; i >= 0; i-- {
		switch before[i] {
		case ')':
			depth++
		case '(':
			if depth > 0 {
				depth--
				continue
			}
			return !sqlStatement.MatchString(before[i+1:])
		}
	}
	return false
}

// intoNamesTable reports whether an INTO following before targets a table.
// INSERT INTO and MERGE INTO do; SELECT ... INTO, FETCH ... INTO and
// RETURNING ... INTO assign variables.
func intoNamesTable(before string) bool {
	if i := strings.LastIndex(before, ";"); i >= 0 {
		before = before[i+1:]
	}
	locs := sqlStatement.FindAllStringSubmatchIndex(before, -1)
	if len(locs) == 0 {
		return true
	}
	last := locs[len(locs)-1]
	switch strings.ToLower(before[last[2]:last[3]]) {
	case "insert", "merge":
		return true
	}
	return false
}

// declaredVariables returns the names declared in PL/pgSQL DECLARE sections.
func declaredVariables(sql string) []string {
	var out []string
	for _, m := range sqlDeclare.FindAllStringSubmatch(sql, -1) {
		for _, decl := range strings.Split(m[1], ";") {
			fields := strings.Fields(decl)
			if len(fields) < 2 {
				continue
			}
			out = append(out, NormalizeIdentifier(fields[0]))
		}
	}
	return out
}
