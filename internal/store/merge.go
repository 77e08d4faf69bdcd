package store

import (
	"reflect"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

// Merge combines the stored record for a posting with a new extraction of the
// same posting and reports whether the stored record changes.
//
// A HIGH record resubmitted at lower confidence only has its unknown fields
// filled, unless force is set. Otherwise every known incoming field wins and
// unknown incoming fields keep the stored value, with or without force. Force
// also takes the incoming confidence. Identity never changes.
func Merge(existing, incoming pipeline.JobRecord, force bool) (pipeline.JobRecord, bool) {
	fillOnly := !force &&
		existing.Confidence == pipeline.ConfidenceHigh &&
		incoming.Confidence.Rank() < pipeline.ConfidenceHigh.Rank()

	out := existing
	str := func(old, neu string) string {
		if pipeline.IsUnknown(neu) {
			return old
		}
		if fillOnly && !pipeline.IsUnknown(old) {
			return old
		}
		return neu
	}
	list := func(old, neu []string) []string {
		if len(neu) == 0 {
			return old
		}
		if fillOnly && len(old) > 0 {
			return old
		}
		return neu
	}

	out.JobID = str(existing.JobID, incoming.JobID)
	out.Title = str(existing.Title, incoming.Title)
	out.Company = str(existing.Company, incoming.Company)
	out.Location = str(existing.Location, incoming.Location)
	out.Seniority = str(existing.Seniority, incoming.Seniority)
	out.Skills = list(existing.Skills, incoming.Skills)
	out.SalaryText = str(existing.SalaryText, incoming.SalaryText)
	out.DescriptionSummary = str(existing.DescriptionSummary, incoming.DescriptionSummary)
	out.EmploymentType = str(existing.EmploymentType, incoming.EmploymentType)
	out.Industry = str(existing.Industry, incoming.Industry)
	out.RequiredExperience = str(existing.RequiredExperience, incoming.RequiredExperience)
	out.Education = str(existing.Education, incoming.Education)
	out.SoftSkills = list(existing.SoftSkills, incoming.SoftSkills)
	out.Responsibilities = list(existing.Responsibilities, incoming.Responsibilities)
	out.Benefits = list(existing.Benefits, incoming.Benefits)
	out.ApplicationDeadline = str(existing.ApplicationDeadline, incoming.ApplicationDeadline)
	if incoming.Salary != nil && (existing.Salary == nil || !fillOnly) {
		salary := *incoming.Salary
		out.Salary = &salary
	}

	switch {
	case fillOnly:
	case force:
		out.Confidence = incoming.Confidence
		out.Truncated = incoming.Truncated
	case incoming.Confidence.Rank() >= existing.Confidence.Rank():
		out.Confidence = incoming.Confidence
		out.Truncated = incoming.Truncated
	}

	if sameContent(existing, out) {
		return existing, false
	}
	out.ExtractedAt = incoming.ExtractedAt
	return out, true
}

func sameContent(a, b pipeline.JobRecord) bool {
	b.ExtractedAt = a.ExtractedAt
	return reflect.DeepEqual(a, b)
}
