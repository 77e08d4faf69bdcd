package pipeline

import (
	"sort"
	"strings"
	"time"
)

// Unknown is the sentinel stored for any field the extractor could not populate.
const Unknown = "unknown"

// Strategy identifies how raw page content was retrieved.
type Strategy string

// Fetch strategies in the order they are attempted.
const (
	StrategyHTTP     Strategy = "HTTP"
	StrategyRendered Strategy = "RENDERED"
)

// FetchStatus is the terminal status of a content fetch.
type FetchStatus string

// Fetch status values.
const (
	FetchOK      FetchStatus = "OK"
	FetchBlocked FetchStatus = "BLOCKED"
	FetchTimeout FetchStatus = "TIMEOUT"
	FetchError   FetchStatus = "ERROR"
)

// FetchResult is produced once per fetch and consumed by the normalizer.
type FetchResult struct {
	URL        string        `json:"url"`
	RawContent *string       `json:"raw_content,omitempty"`
	Strategy   Strategy      `json:"strategy_used"`
	Status     FetchStatus   `json:"status"`
	StatusCode int           `json:"status_code,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	// Err carries the underlying cause for logs; it is never shown to callers.
	Err error `json:"-"`
}

// Content returns the raw content or an empty string when nothing was retrieved.
func (r FetchResult) Content() string {
	if r.RawContent == nil {
		return ""
	}
	return *r.RawContent
}

// NormalizedDocument is the cleaned text handed to the extractor.
type NormalizedDocument struct {
	URL       string `json:"url"`
	CleanText string `json:"clean_text"`
	Truncated bool   `json:"truncated"`
	Title     string `json:"title,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Empty reports whether there is nothing worth extracting.
func (d NormalizedDocument) Empty() bool {
	return strings.TrimSpace(d.CleanText) == ""
}

// Confidence grades how completely a record's schema was filled.
type Confidence string

// Confidence levels, lowest first.
const (
	ConfidenceFailed  Confidence = "FAILED"
	ConfidencePartial Confidence = "PARTIAL"
	ConfidenceHigh    Confidence = "HIGH"
)

// Rank orders confidence levels so they can be compared.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidencePartial:
		return 1
	default:
		return 0
	}
}

// Valid reports whether c is one of the known levels.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceHigh, ConfidencePartial, ConfidenceFailed:
		return true
	}
	return false
}

// SalaryRange is a parsed compensation range.
type SalaryRange struct {
	Min      float64 `json:"min,omitempty" bson:"min,omitempty"`
	Max      float64 `json:"max,omitempty" bson:"max,omitempty"`
	Currency string  `json:"currency,omitempty" bson:"currency,omitempty"`
	Period   string  `json:"period,omitempty" bson:"period,omitempty"`
}

// JobRecord is the durable structured posting, keyed by its normalized SourceURL.
type JobRecord struct {
	ID                  string       `json:"id,omitempty" bson:"record_id"`
	SourceURL           string       `json:"source_url" bson:"source_url"`
	JobID               string       `json:"job_id,omitempty" bson:"job_id,omitempty"`
	Title               string       `json:"title" bson:"title"`
	Company             string       `json:"company" bson:"company"`
	Location            string       `json:"location" bson:"location"`
	Seniority           string       `json:"seniority" bson:"seniority"`
	Skills              []string     `json:"skills" bson:"skills"`
	Salary              *SalaryRange `json:"salary_range,omitempty" bson:"salary_range,omitempty"`
	SalaryText          string       `json:"salary_text,omitempty" bson:"salary_text,omitempty"`
	DescriptionSummary  string       `json:"description_summary" bson:"description_summary"`
	EmploymentType      string       `json:"employment_type,omitempty" bson:"employment_type,omitempty"`
	Industry            string       `json:"industry,omitempty" bson:"industry,omitempty"`
	RequiredExperience  string       `json:"required_experience,omitempty" bson:"required_experience,omitempty"`
	Education           string       `json:"education,omitempty" bson:"education,omitempty"`
	SoftSkills          []string     `json:"soft_skills,omitempty" bson:"soft_skills,omitempty"`
	Responsibilities    []string     `json:"responsibilities,omitempty" bson:"responsibilities,omitempty"`
	Benefits            []string     `json:"benefits,omitempty" bson:"benefits,omitempty"`
	ApplicationDeadline string       `json:"application_deadline,omitempty" bson:"application_deadline,omitempty"`
	ExtractedAt         time.Time    `json:"extracted_at" bson:"extracted_at"`
	Confidence          Confidence   `json:"extraction_confidence" bson:"extraction_confidence"`
	Truncated           bool         `json:"truncated,omitempty" bson:"truncated"`
}

// IsUnknown reports whether a scalar field holds no usable value.
func IsUnknown(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", Unknown, "not specified", "n/a", "none", "null":
		return true
	}
	return false
}

// SkillSet returns the skills deduplicated case-insensitively and sorted.
func SkillSet(skills []string) []string {
	seen := make(map[string]struct{}, len(skills))
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.Join(strings.Fields(s), " ")
		if IsUnknown(s) {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out
}

// Outcome reports what an upsert did.
type Outcome string

// Upsert outcomes.
const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
)

// UpsertResult is returned by RecordStore.Upsert.
type UpsertResult struct {
	Outcome Outcome
	Record  JobRecord
}

// State is a stage in the per-URL state machine.
type State string

// Pipeline states.
const (
	StateFetching    State = "FETCHING"
	StateNormalizing State = "NORMALIZING"
	StateExtracting  State = "EXTRACTING"
	StateStoring     State = "STORING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Result is the single outcome surfaced to callers for one URL.
type Result struct {
	URL        string     `json:"url"`
	State      State      `json:"state"`
	FailedAt   State      `json:"failed_at,omitempty"`
	Reason     Reason     `json:"reason,omitempty"`
	Strategy   Strategy   `json:"strategy_used,omitempty"`
	Outcome    Outcome    `json:"outcome,omitempty"`
	Record     *JobRecord `json:"record,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Err        error      `json:"-"`
}

// Succeeded reports whether the URL reached DONE.
func (r Result) Succeeded() bool {
	return r.State == StateDone
}
