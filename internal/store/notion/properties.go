package notion

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jomei/notionapi"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

// Property names used in the tracking database.
const (
	propTitle       = "Job Title"
	propCompany     = "Company"
	propLocation    = "Location"
	propURL         = "Job URL"
	propJobID       = "Job ID"
	propStatus      = "Status"
	propSkills      = "Technical Skills"
	propSoftSkills  = "Soft Skills"
	propExperience  = "Experience Required"
	propEducation   = "Education"
	propSalary      = "Salary"
	propJobType     = "Job Type"
	propIndustry    = "Industry"
	propSeniority   = "Seniority"
	propConfidence  = "Confidence"
	propExtractedAt = "Extracted At"
	propRecord      = "Record Data"
)

const (
	// maxTextLen is Notion's limit for one rich text object.
	maxTextLen = 2000
	// maxMultiSelect caps multi-select values per property.
	maxMultiSelect = 10
	statusNew      = "Not Applied"
)

func text(s string) []notionapi.RichText {
	chunks := chunk(s, maxTextLen)
	out := make([]notionapi.RichText, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, notionapi.RichText{Text: &notionapi.Text{Content: c}})
	}
	return out
}

func plain(items []notionapi.RichText) string {
	var b strings.Builder
	for _, item := range items {
		switch {
		case item.Text != nil:
			b.WriteString(item.Text.Content)
		default:
			b.WriteString(item.PlainText)
		}
	}
	return b.String()
}

// chunk splits s into pieces of at most size runes.
func chunk(s string, size int) []string {
	if s == "" {
		return nil
	}
	var out []string
	for utf8.RuneCountInString(s) > size {
		runes := []rune(s)
		out = append(out, string(runes[:size]))
		s = string(runes[size:])
	}
	return append(out, s)
}

func options(values []string) []notionapi.Option {
	out := make([]notionapi.Option, 0, maxMultiSelect)
	for _, v := range values {
		v = strings.TrimSpace(strings.ReplaceAll(v, ",", " "))
		if v == "" {
			continue
		}
		out = append(out, notionapi.Option{Name: v})
		if len(out) == maxMultiSelect {
			break
		}
	}
	return out
}

func known(v string) string {
	if pipeline.IsUnknown(v) {
		return ""
	}
	return v
}

func jobType(v string) string {
	switch strings.ToLower(strings.ReplaceAll(v, "-", "")) {
	case "parttime", "part time":
		return "Part-time"
	case "contract", "contractor":
		return "Contract"
	case "internship", "intern":
		return "Internship"
	case "freelance":
		return "Freelance"
	}
	return "Full-time"
}

func salaryText(rec pipeline.JobRecord) string {
	if rec.SalaryText != "" {
		return rec.SalaryText
	}
	if rec.Salary == nil {
		return ""
	}
	s := fmt.Sprintf("%s %.0f - %.0f", rec.Salary.Currency, rec.Salary.Min, rec.Salary.Max)
	if rec.Salary.Period != "" {
		s += " per " + rec.Salary.Period
	}
	return s
}

func richText(s string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{Type: notionapi.PropertyTypeRichText, RichText: text(s)}
}

func selectOne(name string) notionapi.SelectProperty {
	return notionapi.SelectProperty{Type: notionapi.PropertyTypeSelect, Select: notionapi.Option{Name: name}}
}

// toProperties renders rec as page properties. The full record is kept as
// JSON so it can be read back exactly.
func toProperties(rec pipeline.JobRecord) (notionapi.Properties, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	extracted := notionapi.Date(rec.ExtractedAt.UTC())
	props := notionapi.Properties{
		propTitle:       notionapi.TitleProperty{Type: notionapi.PropertyTypeTitle, Title: text(rec.Title)},
		propURL:         notionapi.URLProperty{Type: notionapi.PropertyTypeURL, URL: rec.SourceURL},
		propConfidence:  selectOne(string(rec.Confidence)),
		propJobType:     selectOne(jobType(rec.EmploymentType)),
		propExtractedAt: notionapi.DateProperty{Type: notionapi.PropertyTypeDate, Date: &notionapi.DateObject{Start: &extracted}},
		propRecord:      richText(string(raw)),
	}
	optionalText := map[string]string{
		propCompany:    known(rec.Company),
		propLocation:   known(rec.Location),
		propJobID:      known(rec.JobID),
		propExperience: known(rec.RequiredExperience),
		propEducation:  known(rec.Education),
		propSalary:     salaryText(rec),
		propIndustry:   known(rec.Industry),
		propSeniority:  known(rec.Seniority),
	}
	for name, v := range optionalText {
		if v != "" {
			props[name] = richText(v)
		}
	}
	if skills := options(rec.Skills); len(skills) > 0 {
		props[propSkills] = notionapi.MultiSelectProperty{Type: notionapi.PropertyTypeMultiSelect, MultiSelect: skills}
	}
	if soft := options(rec.SoftSkills); len(soft) > 0 {
		props[propSoftSkills] = notionapi.MultiSelectProperty{Type: notionapi.PropertyTypeMultiSelect, MultiSelect: soft}
	}
	return props, nil
}

// recordData returns the raw JSON kept in the Record Data property. Decoded
// pages carry pointer property values.
func recordData(props notionapi.Properties) string {
	switch p := props[propRecord].(type) {
	case *notionapi.RichTextProperty:
		return plain(p.RichText)
	case notionapi.RichTextProperty:
		return plain(p.RichText)
	}
	return ""
}

func fromPage(p notionapi.Page) (pipeline.JobRecord, error) {
	raw := recordData(p.Properties)
	if raw == "" {
		return pipeline.JobRecord{}, fmt.Errorf("page %s has no %q property", p.ID, propRecord)
	}
	var rec pipeline.JobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return pipeline.JobRecord{}, fmt.Errorf("decode page %s: %w", p.ID, err)
	}
	return rec, nil
}

// descriptionBlocks renders the summary as paragraph blocks of at most
// maxTextLen runes each.
func descriptionBlocks(rec pipeline.JobRecord) []notionapi.Block {
	summary := known(rec.DescriptionSummary)
	if summary == "" {
		return nil
	}
	var blocks []notionapi.Block
	for _, c := range chunk(summary, maxTextLen) {
		blocks = append(blocks, &notionapi.ParagraphBlock{
			BasicBlock: notionapi.BasicBlock{
				Object: notionapi.ObjectTypeBlock,
				Type:   notionapi.BlockTypeParagraph,
			},
			Paragraph: notionapi.Paragraph{RichText: text(c)},
		})
	}
	return blocks
}

func selectConfig(names ...string) notionapi.SelectPropertyConfig {
	opts := make([]notionapi.Option, 0, len(names))
	for _, n := range names {
		opts = append(opts, notionapi.Option{Name: n})
	}
	return notionapi.SelectPropertyConfig{
		Type:   notionapi.PropertyConfigTypeSelect,
		Select: notionapi.Select{Options: opts},
	}
}

// schemaProperties declares every property the store writes.
func schemaProperties() notionapi.PropertyConfigs {
	textConfig := notionapi.RichTextPropertyConfig{Type: notionapi.PropertyConfigTypeRichText}
	multi := notionapi.MultiSelectPropertyConfig{Type: notionapi.PropertyConfigTypeMultiSelect}
	return notionapi.PropertyConfigs{
		propCompany:     textConfig,
		propLocation:    textConfig,
		propURL:         notionapi.URLPropertyConfig{Type: notionapi.PropertyConfigTypeURL},
		propJobID:       textConfig,
		propStatus:      selectConfig(statusNew, "Applied", "Interview Scheduled", "Interview Completed", "Offer Received", "Rejected", "Not Interested"),
		propSkills:      multi,
		propSoftSkills:  multi,
		propExperience:  textConfig,
		propEducation:   textConfig,
		propSalary:      textConfig,
		propJobType:     selectConfig("Full-time", "Part-time", "Contract", "Internship", "Freelance"),
		propIndustry:    textConfig,
		propSeniority:   textConfig,
		propConfidence:  selectConfig(string(pipeline.ConfidenceHigh), string(pipeline.ConfidencePartial)),
		propExtractedAt: notionapi.DatePropertyConfig{Type: notionapi.PropertyConfigTypeDate},
		propRecord:      textConfig,
	}
}
