package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	dErrors "sapdash/pkg/domain-errors"
)

// Severity levels accepted for a concern.
const (
	SeverityMild     = "mild"
	SeverityModerate = "moderate"
	SeveritySevere   = "severe"
)

// Service request types accepted on the public form.
const (
	RequestStartNow    = "start_now"
	RequestOptInFuture = "opt_in_future"
)

// StudentInfo is the identity section of a submission, in plaintext. It
// exists only in memory between form parsing and vault encryption.
type StudentInfo struct {
	FirstName   string `validate:"required"`
	LastName    string `validate:"required"`
	FullName    string `validate:"required"`
	Grade       string `validate:"required"`
	School      string `validate:"required"`
	DateOfBirth string `validate:"required"`
	ExternalID  string
}

// ContactInfo is the parent/guardian contact section.
type ContactInfo struct {
	ParentName  string `validate:"required"`
	ParentEmail string `validate:"required,email"`
	ParentPhone string `validate:"required"`
}

// InsuranceInfo is the insurance section. Company, policyholder, and member
// ID become required when HasInsurance is set.
type InsuranceInfo struct {
	HasInsurance     bool
	Company          string
	PolicyholderName string
	Relationship     string
	MemberID         string
	GroupNumber      string
	CardFrontHandle  string
	CardBackHandle   string
}

// ServiceNeeds is the structured service-need section.
type ServiceNeeds struct {
	Categories     []string `validate:"required,min=1"`
	CategoryOther  string
	Severity       string   `validate:"required,oneof=mild moderate severe"`
	NeededServices []string `validate:"required,min=1"`
	FamilyResources  []string
	ReferralConcerns []string
}

// Demographics is the optional demographics section.
type Demographics struct {
	SexAtBirth  string
	Races       []string
	RaceOther   string
	Ethnicities []string
}

// Submission is a parsed public intake form, pre-encryption.
type Submission struct {
	Student            StudentInfo  `validate:"required"`
	Contact            ContactInfo  `validate:"required"`
	ServiceRequestType string       `validate:"required,oneof=start_now opt_in_future"`
	Insurance          InsuranceInfo
	Needs              ServiceNeeds `validate:"required"`
	Demographics       Demographics

	ImmediateSafetyConcern bool
	AuthorizationConsent   bool

	ReferralSource string
	CaptchaToken   string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate enforces the creation constraints: required fields, enumerations,
// consent explicitly true, DOB parseable, and the conditional sub-field
// rules. Returns a validation-coded error carrying the offending fields.
func (s *Submission) Validate() error {
	var fields []string

	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			for _, fe := range verrs {
				fields = append(fields, namespaceToField(fe.Namespace()))
			}
		} else {
			return dErrors.Wrap(err, dErrors.CodeInternal, "validate submission")
		}
	}

	if !s.AuthorizationConsent {
		fields = append(fields, "authorization_consent")
	}
	if s.Student.DateOfBirth != "" {
		if _, err := time.Parse("2006-01-02", s.Student.DateOfBirth); err != nil {
			fields = append(fields, "student_information.date_of_birth")
		}
	}
	if s.Insurance.HasInsurance {
		if s.Insurance.Company == "" {
			fields = append(fields, "insurance_information.insurance_company")
		}
		if s.Insurance.PolicyholderName == "" {
			fields = append(fields, "insurance_information.policyholder_name")
		}
		if s.Insurance.MemberID == "" {
			fields = append(fields, "insurance_information.member_id")
		}
	}
	fields = append(fields, s.Needs.conditionalFields()...)
	if containsFold(s.Demographics.Races, "Other (please specify)") && s.Demographics.RaceOther == "" {
		fields = append(fields, "demographics.race_other")
	}

	if len(fields) > 0 {
		return dErrors.New(dErrors.CodeValidation, "invalid submission").WithFields(dedupe(fields)...)
	}
	return nil
}

// conditionalFields reports the "other"-selection rules for service needs,
// shared between creation and section-patch validation.
func (n ServiceNeeds) conditionalFields() []string {
	var fields []string
	if containsFold(n.Categories, "Other Service") && n.CategoryOther == "" {
		fields = append(fields, "service_needs.service_category_other")
	}
	return fields
}

// ValidateSection re-checks one patch section against the same constraints
// used at creation. Nil sections were not supplied and pass untouched.
func (p *PHIPatch) Validate() error {
	var fields []string

	collect := func(v any) {
		if err := validate.Struct(v); err != nil {
			var verrs validator.ValidationErrors
			if asValidationErrors(err, &verrs) {
				for _, fe := range verrs {
					fields = append(fields, namespaceToField(fe.Namespace()))
				}
			}
		}
	}

	if p.Student != nil {
		collect(p.Student)
		if p.Student.DateOfBirth != "" {
			if _, err := time.Parse("2006-01-02", p.Student.DateOfBirth); err != nil {
				fields = append(fields, "student_information.date_of_birth")
			}
		}
	}
	if p.Contact != nil {
		collect(p.Contact)
	}
	if p.Insurance != nil && p.Insurance.HasInsurance {
		if p.Insurance.Company == "" {
			fields = append(fields, "insurance_information.insurance_company")
		}
		if p.Insurance.PolicyholderName == "" {
			fields = append(fields, "insurance_information.policyholder_name")
		}
		if p.Insurance.MemberID == "" {
			fields = append(fields, "insurance_information.member_id")
		}
	}
	if p.Needs != nil {
		collect(p.Needs)
		fields = append(fields, p.Needs.conditionalFields()...)
	}
	if p.Demographics != nil {
		if containsFold(p.Demographics.Races, "Other (please specify)") && p.Demographics.RaceOther == "" {
			fields = append(fields, "demographics.race_other")
		}
	}

	if len(fields) > 0 {
		return dErrors.New(dErrors.CodeValidation, "invalid update").WithFields(dedupe(fields)...)
	}
	return nil
}

// PHIPatch is a partial update. Each present section fully replaces the
// stored section; omitted sections are untouched. Sections are never
// merged field-by-field.
type PHIPatch struct {
	Student      *StudentInfo
	Contact      *ContactInfo
	Insurance    *InsuranceInfo
	Needs        *ServiceNeeds
	Demographics *Demographics
}

// Empty reports whether the patch touches nothing.
func (p *PHIPatch) Empty() bool {
	return p.Student == nil && p.Contact == nil && p.Insurance == nil &&
		p.Needs == nil && p.Demographics == nil
}

// Sections names the sections present in the patch, for audit details.
func (p *PHIPatch) Sections() []string {
	var names []string
	if p.Student != nil {
		names = append(names, "student_information")
	}
	if p.Contact != nil {
		names = append(names, "contact_information")
	}
	if p.Insurance != nil {
		names = append(names, "insurance_information")
	}
	if p.Needs != nil {
		names = append(names, "service_needs")
	}
	if p.Demographics != nil {
		names = append(names, "demographics")
	}
	return names
}

// QueueView is the fully decrypted PHI view handed to authorized readers.
type QueueView struct {
	Handle       string
	Student      StudentInfo
	Contact      ContactInfo
	Insurance    InsuranceInfo
	Needs        ServiceNeeds
	Demographics Demographics

	ImmediateSafetyConcern bool
	AuthorizationConsent   bool

	Processed   bool
	ProcessedAt *time.Time
	ProcessedBy *string
	ExternalRef string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// OptInTypeFor maps a service request type onto the stored opt-in type.
func OptInTypeFor(requestType string) OptInType {
	if requestType == RequestStartNow {
		return OptInImmediateService
	}
	return OptInFutureEligibility
}

// GradeBand maps a free-form grade input onto its reporting band.
//
// Accepts numeric ("10"), ordinal ("10th", "1st"), and kindergarten
// spellings ("K", "PK", "Pre-K", "Kindergarten"). Unrecognized inputs
// default to the lowest band.
func GradeBand(grade string) string {
	g := strings.ToUpper(strings.TrimSpace(grade))

	num := -1
	for _, suffix := range []string{"TH", "ST", "ND", "RD"} {
		if rest, ok := strings.CutSuffix(g, suffix); ok {
			if n, err := strconv.Atoi(rest); err == nil {
				num = n
			}
			break
		}
	}
	if num < 0 {
		if n, err := strconv.Atoi(g); err == nil {
			num = n
		}
	}

	switch {
	case num >= 0 && num <= 5:
		return "K-5"
	case num >= 6 && num <= 8:
		return "6-8"
	case num > 8:
		return "9-12"
	}

	switch g {
	case "K", "PK", "PRE-K", "PREK", "KINDERGARTEN":
		return "K-5"
	}
	return "K-5"
}

// FiscalPeriod formats the fiscal period for a referral date. The fiscal
// year starts in July; the quarter is months since fiscal-year start / 3.
func FiscalPeriod(date time.Time) string {
	year, month := date.Year(), int(date.Month())
	if month >= 7 {
		return fmt.Sprintf("FY%d-Q%d", year+1, (month-7)/3+1)
	}
	return fmt.Sprintf("FY%d-Q%d", year, (month+5)/3+1)
}

// IdentityDigest hashes the normalized duplicate-check tuple. The digest is
// one-way; it lets the guard compare identities without decrypting rows.
func IdentityDigest(firstName, lastName, dob, parentEmail string) string {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	sum := sha256.Sum256([]byte(norm(firstName) + "|" + norm(lastName) + "|" + norm(dob) + "|" + norm(parentEmail)))
	return hex.EncodeToString(sum[:])
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// namespaceToField rewrites validator namespaces ("Submission.Contact.
// ParentEmail") into the public form's dotted field names.
func namespaceToField(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:] // drop the root struct name
	}
	mapped := make([]string, 0, len(parts))
	for _, p := range parts {
		if section, ok := sectionNames[p]; ok {
			mapped = append(mapped, section)
			continue
		}
		mapped = append(mapped, toSnake(p))
	}
	return strings.Join(mapped, ".")
}

var sectionNames = map[string]string{
	"Student":      "student_information",
	"StudentInfo":  "student_information",
	"Contact":      "parent_guardian_contact",
	"ContactInfo":  "parent_guardian_contact",
	"Insurance":    "insurance_information",
	"Needs":        "service_needs",
	"ServiceNeeds": "service_needs",
	"Demographics": "demographics",
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
