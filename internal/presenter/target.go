package presenter

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/codefionn/captchaharvester/internal/session"
)

// Query parameters the challenge page reads
const (
	ParamSiteKey   = "sitekey"
	ParamCaptchaID = "captchaId"
	ParamAutoClick = "autoClick"
)

// TargetURL returns the page URL with the challenge parameters added to
// whatever query it already carries
func TargetURL(req session.ChallengeRequest) (string, error) {
	u, err := url.Parse(req.PageURL)
	if err != nil {
		return "", fmt.Errorf("invalid page url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid page url %q: must be absolute", req.PageURL)
	}

	q := u.Query()
	q.Set(ParamSiteKey, req.SiteKey)
	q.Set(ParamCaptchaID, req.CorrelationID)
	q.Set(ParamAutoClick, strconv.FormatBool(req.AutoClick))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
