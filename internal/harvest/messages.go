package harvest

import (
	"encoding/json"
	"fmt"

	"github.com/codefionn/captchaharvester/internal/session"
)

// Frame types exchanged with requesters
const (
	MessageTypeCaptchaRequest  = "CaptchaRequest"
	MessageTypeCaptchaResponse = "CaptchaResponse"
	MessageTypeError           = "Error"
)

// Error frame payloads
const (
	ErrInvalidMessageFormat = "Invalid Message Format"
	ErrDuplicateCaptchaID   = "Duplicate Captcha Id"
	ErrMissingFieldPrefix   = "Missing Required Field: "
	ErrWindowClosed         = "Captcha Window Closed"
	ErrTimedOut             = "Captcha Timed Out"
	ErrWindowUnavailable    = "Captcha Window Unavailable"
	ErrHarvesterStopped     = "Captcha Harvester Stopped"
)

// Frame is an inbound frame. Data is decoded once the type is known.
type Frame struct {
	Type string
	Data json.RawMessage
}

// OutboundFrame is a frame sent to a requester
type OutboundFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// CaptchaRequestData is the payload of a CaptchaRequest frame
type CaptchaRequestData struct {
	PageURL   string `json:"pageUrl"`
	SiteKey   string `json:"sitekey"`
	CaptchaID string `json:"captchaId"`
	AutoClick bool   `json:"autoClick"`
}

// Request converts the payload into a challenge request
func (d CaptchaRequestData) Request() session.ChallengeRequest {
	return session.ChallengeRequest{
		PageURL:       d.PageURL,
		SiteKey:       d.SiteKey,
		CorrelationID: d.CaptchaID,
		AutoClick:     d.AutoClick,
	}
}

// CaptchaResponseData is the payload of a CaptchaResponse frame
type CaptchaResponseData struct {
	Value     string `json:"value"`
	CreatedAt int64  `json:"createdAt"`
}

// MalformedFrameError reports an inbound payload that could not be decoded
type MalformedFrameError struct {
	Err error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// ParseFrame decodes the envelope of an inbound frame. Keys match exactly:
// a frame spelling "TYPE" has no type.
func ParseFrame(raw []byte) (*Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &MalformedFrameError{Err: err}
	}

	f := &Frame{Data: fields["data"]}
	if err := decodeField(fields, "type", &f.Type); err != nil {
		return nil, &MalformedFrameError{Err: err}
	}
	return f, nil
}

// DecodeCaptchaRequest decodes the payload of a CaptchaRequest frame. A
// missing payload decodes to an empty request, which fails validation, and
// so do keys that differ from the wire names only in case.
func DecodeCaptchaRequest(data json.RawMessage) (CaptchaRequestData, error) {
	var d CaptchaRequestData
	if len(data) == 0 {
		return d, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return d, &MalformedFrameError{Err: err}
	}
	for key, v := range map[string]interface{}{
		"pageUrl":   &d.PageURL,
		"sitekey":   &d.SiteKey,
		"captchaId": &d.CaptchaID,
		"autoClick": &d.AutoClick,
	} {
		if err := decodeField(fields, key, v); err != nil {
			return CaptchaRequestData{}, &MalformedFrameError{Err: err}
		}
	}
	return d, nil
}

// decodeField decodes fields[key] into v. A missing key or a null value
// leaves v untouched.
func decodeField(fields map[string]json.RawMessage, key string, v interface{}) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// OutcomeFrame converts a session outcome into the frame sent to the requester
func OutcomeFrame(o session.Outcome) OutboundFrame {
	if o.IsSolved() {
		return OutboundFrame{
			Type: MessageTypeCaptchaResponse,
			Data: CaptchaResponseData{Value: o.Value, CreatedAt: o.SolvedAt},
		}
	}
	return ErrorFrame(failureMessage(o.Reason))
}

// ErrorFrame returns an Error frame carrying msg
func ErrorFrame(msg string) OutboundFrame {
	return OutboundFrame{Type: MessageTypeError, Data: msg}
}

func failureMessage(reason session.FailureReason) string {
	switch reason {
	case session.ReasonTimeout:
		return ErrTimedOut
	case session.ReasonSurfaceUnavailable:
		return ErrWindowUnavailable
	case session.ReasonShutdown:
		return ErrHarvesterStopped
	default:
		return ErrWindowClosed
	}
}
