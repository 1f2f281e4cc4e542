package twilio

import (
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"
)

const SignatureHeader = "X-Twilio-Signature"

// WebhookValidator checks X-Twilio-Signature on status callbacks.
type WebhookValidator struct {
	validator client.RequestValidator
	baseURL   string
}

// NewWebhookValidator builds a validator. baseURL is the public scheme and
// host Twilio calls; when empty the request's own Host is used.
func NewWebhookValidator(authToken, baseURL string) *WebhookValidator {
	return &WebhookValidator{
		validator: client.NewRequestValidator(authToken),
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}
}

// Validate reports whether r carries a valid signature. r.ParseForm must
// already have been called.
func (v *WebhookValidator) Validate(r *http.Request) bool {
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	return v.validator.Validate(v.publicURL(r), params, signature)
}

func (v *WebhookValidator) publicURL(r *http.Request) string {
	base := v.baseURL
	if base == "" {
		scheme := "https"
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "" {
			scheme = "http"
		} else if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
		base = scheme + "://" + r.Host
	}
	return base + r.URL.RequestURI()
}
