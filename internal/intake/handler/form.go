package handler

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"sapdash/internal/blob"
	"sapdash/internal/intake/models"
	dErrors "sapdash/pkg/domain-errors"
)

const (
	maxFormMemory = 10 << 20 // 10 MiB
	maxCardImage  = 5 << 20  // 5 MiB per insurance card side
)

// parseSubmission maps the public multipart form onto a Submission. Field
// names are dotted section paths ("student_information.first_name"); list
// fields use indexed names ("service_needs.service_category[0]").
func parseSubmission(ctx context.Context, r *http.Request, blobs blob.Store) (*models.Submission, error) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid multipart form")
	}

	form := r.MultipartForm
	get := func(name string) string {
		values := form.Value[name]
		if len(values) == 0 {
			return ""
		}
		return strings.TrimSpace(values[0])
	}
	getBool := func(name string) bool {
		switch strings.ToLower(get(name)) {
		case "true", "1", "on", "yes":
			return true
		}
		return false
	}

	sub := &models.Submission{
		Student: models.StudentInfo{
			FirstName:   get("student_information.first_name"),
			LastName:    get("student_information.last_name"),
			FullName:    get("student_information.full_name"),
			Grade:       get("student_information.grade"),
			School:      get("student_information.school"),
			DateOfBirth: get("student_information.date_of_birth"),
			ExternalID:  get("student_information.external_id"),
		},
		Contact: models.ContactInfo{
			ParentName:  get("contact_information.parent_name"),
			ParentEmail: get("contact_information.parent_email"),
			ParentPhone: get("contact_information.parent_phone"),
		},
		ServiceRequestType: get("service_request_type"),
		Insurance: models.InsuranceInfo{
			HasInsurance:     getBool("insurance_information.has_insurance"),
			Company:          get("insurance_information.insurance_company"),
			PolicyholderName: get("insurance_information.policyholder_name"),
			Relationship:     get("insurance_information.relationship"),
			MemberID:         get("insurance_information.member_id"),
			GroupNumber:      get("insurance_information.group_number"),
		},
		Needs: models.ServiceNeeds{
			Categories:       indexedValues(form.Value, "service_needs.service_category"),
			CategoryOther:    get("service_needs.service_category_other"),
			Severity:         get("service_needs.severity"),
			NeededServices:   indexedValues(form.Value, "service_needs.needed_services"),
			FamilyResources:  indexedValues(form.Value, "service_needs.family_resources"),
			ReferralConcerns: indexedValues(form.Value, "service_needs.referral_concerns"),
		},
		Demographics: models.Demographics{
			SexAtBirth:  get("demographics.sex_at_birth"),
			Races:       indexedValues(form.Value, "demographics.race"),
			RaceOther:   get("demographics.race_other"),
			Ethnicities: indexedValues(form.Value, "demographics.ethnicity"),
		},
		ImmediateSafetyConcern: getBool("immediate_safety_concern"),
		AuthorizationConsent:   getBool("authorization_consent"),
		ReferralSource:         get("referral_source"),
		CaptchaToken:           get("captcha_token"),
	}

	if sub.Insurance.HasInsurance {
		front, err := storeCardImage(ctx, form, "insurance_information.card_front", blobs)
		if err != nil {
			return nil, err
		}
		back, err := storeCardImage(ctx, form, "insurance_information.card_back", blobs)
		if err != nil {
			// The front image is already stored; do not orphan it.
			_ = blobs.Delete(ctx, front)
			return nil, err
		}
		sub.Insurance.CardFrontHandle = front
		sub.Insurance.CardBackHandle = back
	}
	return sub, nil
}

// indexedValues collects "name[0]", "name[1]", ... in index order, falling
// back to repeated plain "name" fields when no indexed form is present.
func indexedValues(values map[string][]string, name string) []string {
	type indexed struct {
		idx   int
		value string
	}
	var found []indexed
	prefix := name + "["
	for key, vals := range values {
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, "]") || len(vals) == 0 {
			continue
		}
		idx, err := strconv.Atoi(key[len(prefix) : len(key)-1])
		if err != nil {
			continue
		}
		if v := strings.TrimSpace(vals[0]); v != "" {
			found = append(found, indexed{idx: idx, value: v})
		}
	}
	if len(found) == 0 {
		var out []string
		for _, v := range values[name] {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}

	sort.Slice(found, func(i, j int) bool { return found[i].idx < found[j].idx })
	out := make([]string, 0, len(found))
	for _, f := range found {
		out = append(out, f.value)
	}
	return out
}

func storeCardImage(ctx context.Context, form *multipart.Form, field string, blobs blob.Store) (string, error) {
	files := form.File[field]
	if len(files) == 0 {
		return "", nil
	}
	header := files[0]

	f, err := header.Open()
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeBadRequest, fmt.Sprintf("open %s upload", field))
	}
	defer f.Close()

	data, err := blob.ReadAllLimit(f, maxCardImage)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeBadRequest, fmt.Sprintf("%s upload too large", field))
	}

	handle, err := blobs.Put(ctx, data, header.Header.Get("Content-Type"))
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "store card image")
	}
	return handle, nil
}
