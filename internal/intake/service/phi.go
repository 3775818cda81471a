package service

import (
	"encoding/json"
	"fmt"

	"sapdash/internal/intake/models"
	"sapdash/internal/vault"
	dErrors "sapdash/pkg/domain-errors"
)

// codec maps plaintext submission sections onto the encrypted queue row and
// back. It is the only place plaintext PHI and ciphertext meet; everything
// above works with sections, everything below with ciphertext columns.
type codec struct {
	vault *vault.Vault
}

func (c codec) seal(value string) ([]byte, error) {
	return c.vault.Encrypt(value)
}

// sealList JSON-encodes before sealing so list fields stay one column each.
func (c codec) sealList(values []string) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode list field: %w", err)
	}
	return c.vault.Encrypt(string(data))
}

func (c codec) open(ciphertext []byte) (string, error) {
	return c.vault.Decrypt(ciphertext)
}

func (c codec) openList(ciphertext []byte) ([]string, error) {
	raw, err := c.vault.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeVault, "decode list field")
	}
	return values, nil
}

func (c codec) applyStudent(q *models.IntakeQueueRecord, s models.StudentInfo) error {
	var err error
	seal := func(dst *[]byte, value string) {
		if err != nil {
			return
		}
		*dst, err = c.seal(value)
	}
	seal(&q.StudentFirstName, s.FirstName)
	seal(&q.StudentLastName, s.LastName)
	seal(&q.StudentFullName, s.FullName)
	seal(&q.StudentExtID, s.ExternalID)
	seal(&q.DateOfBirth, s.DateOfBirth)
	return err
}

func (c codec) applyContact(q *models.IntakeQueueRecord, s models.ContactInfo) error {
	var err error
	seal := func(dst *[]byte, value string) {
		if err != nil {
			return
		}
		*dst, err = c.seal(value)
	}
	seal(&q.ParentName, s.ParentName)
	seal(&q.ParentEmail, s.ParentEmail)
	seal(&q.ParentPhone, s.ParentPhone)
	return err
}

func (c codec) applyInsurance(q *models.IntakeQueueRecord, s models.InsuranceInfo) error {
	var err error
	seal := func(dst *[]byte, value string) {
		if err != nil {
			return
		}
		*dst, err = c.seal(value)
	}
	seal(&q.InsuranceCompany, s.Company)
	seal(&q.PolicyholderName, s.PolicyholderName)
	seal(&q.Relationship, s.Relationship)
	seal(&q.MemberID, s.MemberID)
	seal(&q.GroupNumber, s.GroupNumber)
	if err != nil {
		return err
	}
	q.InsuranceCardFront = s.CardFrontHandle
	q.InsuranceCardBack = s.CardBackHandle
	return nil
}

func (c codec) applyNeeds(q *models.IntakeQueueRecord, s models.ServiceNeeds) error {
	var err error
	if q.ServiceCategories, err = c.sealList(s.Categories); err != nil {
		return err
	}
	if q.ServiceCategoryOther, err = c.seal(s.CategoryOther); err != nil {
		return err
	}
	if q.Severity, err = c.seal(s.Severity); err != nil {
		return err
	}
	if q.NeededServices, err = c.sealList(s.NeededServices); err != nil {
		return err
	}
	if q.FamilyResources, err = c.sealList(s.FamilyResources); err != nil {
		return err
	}
	q.ReferralConcerns, err = c.sealList(s.ReferralConcerns)
	return err
}

func (c codec) applyDemographics(q *models.IntakeQueueRecord, s models.Demographics) error {
	var err error
	if q.SexAtBirth, err = c.seal(s.SexAtBirth); err != nil {
		return err
	}
	if q.Races, err = c.sealList(s.Races); err != nil {
		return err
	}
	if q.RaceOther, err = c.seal(s.RaceOther); err != nil {
		return err
	}
	q.Ethnicities, err = c.sealList(s.Ethnicities)
	return err
}

// encryptSubmission builds the full set of ciphertext columns for a new
// submission.
func (c codec) encryptSubmission(q *models.IntakeQueueRecord, sub *models.Submission) error {
	if err := c.applyStudent(q, sub.Student); err != nil {
		return err
	}
	if err := c.applyContact(q, sub.Contact); err != nil {
		return err
	}
	if err := c.applyInsurance(q, sub.Insurance); err != nil {
		return err
	}
	if err := c.applyNeeds(q, sub.Needs); err != nil {
		return err
	}
	if err := c.applyDemographics(q, sub.Demographics); err != nil {
		return err
	}
	q.ImmediateSafetyConcern = sub.ImmediateSafetyConcern
	q.AuthorizationConsent = sub.AuthorizationConsent
	return nil
}

// applyPatch overwrites the columns of each present section. Absent
// sections keep their stored ciphertext untouched; sections are never
// merged field-by-field.
func (c codec) applyPatch(q *models.IntakeQueueRecord, patch *models.PHIPatch) error {
	if patch.Student != nil {
		if err := c.applyStudent(q, *patch.Student); err != nil {
			return err
		}
	}
	if patch.Contact != nil {
		if err := c.applyContact(q, *patch.Contact); err != nil {
			return err
		}
	}
	if patch.Insurance != nil {
		if err := c.applyInsurance(q, *patch.Insurance); err != nil {
			return err
		}
	}
	if patch.Needs != nil {
		if err := c.applyNeeds(q, *patch.Needs); err != nil {
			return err
		}
	}
	if patch.Demographics != nil {
		if err := c.applyDemographics(q, *patch.Demographics); err != nil {
			return err
		}
	}
	return nil
}

// decryptQueue opens every column into the authorized-reader view. A single
// failing column fails the whole read; no partial PHI leaves this function.
func (c codec) decryptQueue(q *models.IntakeQueueRecord, handle string) (*models.QueueView, error) {
	view := &models.QueueView{
		Handle:                 handle,
		ImmediateSafetyConcern: q.ImmediateSafetyConcern,
		AuthorizationConsent:   q.AuthorizationConsent,
		Processed:              q.Processed,
		ProcessedAt:            q.ProcessedAt,
		ProcessedBy:            q.ProcessedBy,
		ExternalRef:            q.ExternalRef,
		CreatedAt:              q.CreatedAt,
		ExpiresAt:              q.ExpiresAt,
	}

	var err error
	open := func(dst *string, ciphertext []byte) {
		if err != nil {
			return
		}
		*dst, err = c.open(ciphertext)
	}
	openL := func(dst *[]string, ciphertext []byte) {
		if err != nil {
			return
		}
		*dst, err = c.openList(ciphertext)
	}

	open(&view.Student.FirstName, q.StudentFirstName)
	open(&view.Student.LastName, q.StudentLastName)
	open(&view.Student.FullName, q.StudentFullName)
	open(&view.Student.ExternalID, q.StudentExtID)
	open(&view.Student.DateOfBirth, q.DateOfBirth)

	open(&view.Contact.ParentName, q.ParentName)
	open(&view.Contact.ParentEmail, q.ParentEmail)
	open(&view.Contact.ParentPhone, q.ParentPhone)

	open(&view.Insurance.Company, q.InsuranceCompany)
	open(&view.Insurance.PolicyholderName, q.PolicyholderName)
	open(&view.Insurance.Relationship, q.Relationship)
	open(&view.Insurance.MemberID, q.MemberID)
	open(&view.Insurance.GroupNumber, q.GroupNumber)

	openL(&view.Needs.Categories, q.ServiceCategories)
	open(&view.Needs.CategoryOther, q.ServiceCategoryOther)
	open(&view.Needs.Severity, q.Severity)
	openL(&view.Needs.NeededServices, q.NeededServices)
	openL(&view.Needs.FamilyResources, q.FamilyResources)
	openL(&view.Needs.ReferralConcerns, q.ReferralConcerns)

	open(&view.Demographics.SexAtBirth, q.SexAtBirth)
	openL(&view.Demographics.Races, q.Races)
	open(&view.Demographics.RaceOther, q.RaceOther)
	openL(&view.Demographics.Ethnicities, q.Ethnicities)

	if err != nil {
		return nil, err
	}

	// HasInsurance is the dashboard row's flag; the caller fills it in.
	view.Insurance.CardFrontHandle = q.InsuranceCardFront
	view.Insurance.CardBackHandle = q.InsuranceCardBack
	return view, nil
}
