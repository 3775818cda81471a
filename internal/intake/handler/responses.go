package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"sapdash/internal/intake/models"
	"sapdash/internal/intake/service"
	"sapdash/internal/intake/store"
	dErrors "sapdash/pkg/domain-errors"
)

type errorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates a domain error into its HTTP shape. The message of
// an internal error is never surfaced; the coded message is enough for
// everything else.
func writeError(w http.ResponseWriter, err error) {
	status := dErrors.ToHTTPStatus(err)
	resp := errorResponse{Error: dErrors.MessageOf(err), Fields: dErrors.FieldsOf(err)}
	if status >= http.StatusInternalServerError {
		resp = errorResponse{Error: "internal error"}
	}
	writeJSON(w, status, resp)
}

type submitResponse struct {
	Handle string `json:"handle"`
	Status string `json:"status"`
}

type statusResponse struct {
	Handle      string     `json:"handle"`
	Status      string     `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

func newStatusResponse(v *service.StatusView) statusResponse {
	return statusResponse{
		Handle:      v.Handle.String(),
		Status:      string(v.Status),
		SubmittedAt: v.SubmittedAt,
		ProcessedAt: v.ProcessedAt,
	}
}

type detailsResponse struct {
	Handle             string               `json:"handle"`
	Student            studentSection       `json:"student_information"`
	Contact            contactSection       `json:"contact_information"`
	Insurance          insuranceSection     `json:"insurance_information"`
	Needs              needsSection         `json:"service_needs"`
	Demographics       demographicsSection  `json:"demographics"`
	SafetyConcern      bool                 `json:"immediate_safety_concern"`
	Consent            bool                 `json:"authorization_consent"`
	Processed          bool                 `json:"processed"`
	ProcessedAt        *time.Time           `json:"processed_at,omitempty"`
	ProcessedBy        *string              `json:"processed_by,omitempty"`
	ExternalRef        string               `json:"external_ref,omitempty"`
	SubmittedAt        time.Time            `json:"submitted_at"`
	RetainedUntil      time.Time            `json:"retained_until"`
}

type studentSection struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth"`
	ExternalID  string `json:"external_id,omitempty"`
}

type contactSection struct {
	ParentName  string `json:"parent_name"`
	ParentEmail string `json:"parent_email"`
	ParentPhone string `json:"parent_phone"`
}

type insuranceSection struct {
	HasInsurance     bool   `json:"has_insurance"`
	Company          string `json:"insurance_company,omitempty"`
	PolicyholderName string `json:"policyholder_name,omitempty"`
	Relationship     string `json:"relationship,omitempty"`
	MemberID         string `json:"member_id,omitempty"`
	GroupNumber      string `json:"group_number,omitempty"`
	CardFrontHandle  string `json:"card_front_handle,omitempty"`
	CardBackHandle   string `json:"card_back_handle,omitempty"`
}

type needsSection struct {
	Categories       []string `json:"service_categories"`
	CategoryOther    string   `json:"service_category_other,omitempty"`
	Severity         string   `json:"severity"`
	NeededServices   []string `json:"needed_services"`
	FamilyResources  []string `json:"family_resources,omitempty"`
	ReferralConcerns []string `json:"referral_concerns,omitempty"`
}

type demographicsSection struct {
	SexAtBirth  string   `json:"sex_at_birth,omitempty"`
	Races       []string `json:"races,omitempty"`
	RaceOther   string   `json:"race_other,omitempty"`
	Ethnicities []string `json:"ethnicities,omitempty"`
}

func newDetailsResponse(v *models.QueueView) detailsResponse {
	return detailsResponse{
		Handle: v.Handle,
		Student: studentSection{
			FirstName:   v.Student.FirstName,
			LastName:    v.Student.LastName,
			FullName:    v.Student.FullName,
			DateOfBirth: v.Student.DateOfBirth,
			ExternalID:  v.Student.ExternalID,
		},
		Contact: contactSection{
			ParentName:  v.Contact.ParentName,
			ParentEmail: v.Contact.ParentEmail,
			ParentPhone: v.Contact.ParentPhone,
		},
		Insurance: insuranceSection{
			HasInsurance:     v.Insurance.HasInsurance,
			Company:          v.Insurance.Company,
			PolicyholderName: v.Insurance.PolicyholderName,
			Relationship:     v.Insurance.Relationship,
			MemberID:         v.Insurance.MemberID,
			GroupNumber:      v.Insurance.GroupNumber,
			CardFrontHandle:  v.Insurance.CardFrontHandle,
			CardBackHandle:   v.Insurance.CardBackHandle,
		},
		Needs: needsSection{
			Categories:       v.Needs.Categories,
			CategoryOther:    v.Needs.CategoryOther,
			Severity:         v.Needs.Severity,
			NeededServices:   v.Needs.NeededServices,
			FamilyResources:  v.Needs.FamilyResources,
			ReferralConcerns: v.Needs.ReferralConcerns,
		},
		Demographics: demographicsSection{
			SexAtBirth:  v.Demographics.SexAtBirth,
			Races:       v.Demographics.Races,
			RaceOther:   v.Demographics.RaceOther,
			Ethnicities: v.Demographics.Ethnicities,
		},
		SafetyConcern: v.ImmediateSafetyConcern,
		Consent:       v.AuthorizationConsent,
		Processed:     v.Processed,
		ProcessedAt:   v.ProcessedAt,
		ProcessedBy:   v.ProcessedBy,
		ExternalRef:   v.ExternalRef,
		SubmittedAt:   v.CreatedAt,
		RetainedUntil: v.ExpiresAt,
	}
}

type districtResponse struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Code   string `json:"code"`
	Region string `json:"region,omitempty"`
}

type schoolResponse struct {
	ID         int64    `json:"id"`
	DistrictID int64    `json:"district_id"`
	Name       string   `json:"name"`
	Code       string   `json:"code"`
	GradeBands []string `json:"grade_bands,omitempty"`
}

type schoolSummaryResponse struct {
	SchoolID       int64  `json:"school_id"`
	SchoolName     string `json:"school_name"`
	TotalStudents  int    `json:"total_students"`
	ActiveStudents int    `json:"active_students"`
}

type districtSummaryResponse struct {
	DistrictID     int64                   `json:"district_id"`
	DistrictName   string                  `json:"district_name"`
	TotalSchools   int                     `json:"total_schools"`
	TotalStudents  int                     `json:"total_students"`
	ActiveStudents int                     `json:"active_students"`
	Schools        []schoolSummaryResponse `json:"schools"`
}

func newSummaryResponse(summaries []*store.DistrictSummary) []districtSummaryResponse {
	out := make([]districtSummaryResponse, 0, len(summaries))
	for _, ds := range summaries {
		row := districtSummaryResponse{
			DistrictID:     ds.DistrictID,
			DistrictName:   ds.DistrictName,
			TotalSchools:   ds.TotalSchools,
			TotalStudents:  ds.TotalStudents,
			ActiveStudents: ds.ActiveStudents,
			Schools:        make([]schoolSummaryResponse, 0, len(ds.Schools)),
		}
		for _, school := range ds.Schools {
			row.Schools = append(row.Schools, schoolSummaryResponse{
				SchoolID:       school.SchoolID,
				SchoolName:     school.SchoolName,
				TotalStudents:  school.TotalStudents,
				ActiveStudents: school.ActiveStudents,
			})
		}
		out = append(out, row)
	}
	return out
}
