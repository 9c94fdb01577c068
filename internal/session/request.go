package session

import "strings"

// Wire names of the request fields, used in validation errors
const (
	FieldPageURL       = "pageUrl"
	FieldSiteKey       = "sitekey"
	FieldCorrelationID = "captchaId"
)

// ChallengeRequest describes a captcha a requester wants solved
type ChallengeRequest struct {
	PageURL       string
	SiteKey       string
	CorrelationID string
	AutoClick     bool
}

// Validate reports the first required field that is empty
func (r ChallengeRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.PageURL) == "":
		return &ValidationError{Field: FieldPageURL}
	case strings.TrimSpace(r.SiteKey) == "":
		return &ValidationError{Field: FieldSiteKey}
	case strings.TrimSpace(r.CorrelationID) == "":
		return &ValidationError{Field: FieldCorrelationID}
	}
	return nil
}
