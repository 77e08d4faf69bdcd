package extract

import (
	"fmt"
	"strings"
)

// FieldType is the JSON shape a schema field must have.
type FieldType string

// Field types.
const (
	TypeString FieldType = "string"
	TypeList   FieldType = "array of strings"
	TypeSalary FieldType = "string or object"
)

// Field describes one key the model must return.
type Field struct {
	Name        string
	Type        FieldType
	Required    bool
	Description string
}

// Schema is the fixed extraction schema used to prompt and to validate.
var Schema = []Field{
	{"title", TypeString, true, "job title exactly as advertised"},
	{"company", TypeString, true, "hiring company name, not the job board"},
	{"location", TypeString, true, "city/region/country, or Remote / Hybrid with region"},
	{"seniority", TypeString, true, "one of intern, junior, mid, senior, staff, principal, lead, manager, director, executive"},
	{"skills", TypeList, true, "technical skills, tools and technologies"},
	{"description_summary", TypeString, true, "two or three sentence summary of the role"},
	{"job_id", TypeString, false, "posting or requisition identifier"},
	{"salary", TypeSalary, false, `compensation as written, or {"min":n,"max":n,"currency":"ISO code","period":"year|month|hour"}`},
	{"employment_type", TypeString, false, "full-time, part-time, contract, internship or temporary"},
	{"industry", TypeString, false, "industry of the hiring company"},
	{"required_experience", TypeString, false, "years or level of experience required"},
	{"education", TypeString, false, "required degree or education"},
	{"soft_skills", TypeList, false, "interpersonal skills"},
	{"responsibilities", TypeList, false, "main duties, short phrases"},
	{"benefits", TypeList, false, "perks and benefits"},
	{"application_deadline", TypeString, false, "last day to apply, ISO 8601 date when possible"},
}

// RequiredFields lists the names of the required schema fields.
func RequiredFields() []string {
	var names []string
	for _, f := range Schema {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

func describeSchema() string {
	var b strings.Builder
	for _, f := range Schema {
		req := "optional"
		if f.Required {
			req = "required"
		}
		fmt.Fprintf(&b, "- %q (%s, %s): %s\n", f.Name, f.Type, req, f.Description)
	}
	return b.String()
}
