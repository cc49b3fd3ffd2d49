package clienterror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Details is the structured form of an error used by an error details view.
// Empty fields are omitted when rendered.
type Details struct {
	Kind       string `json:"kind" yaml:"kind"`
	Area       string `json:"area,omitempty" yaml:"area,omitempty"`
	Code       string `json:"code,omitempty" yaml:"code,omitempty"`
	Message    string `json:"message,omitempty" yaml:"message,omitempty"`
	StatusCode int    `json:"statusCode,omitempty" yaml:"statusCode,omitempty"`
	InstanceID string `json:"instanceId,omitempty" yaml:"instanceId,omitempty"`
	UTCTime    string `json:"utcTime,omitempty" yaml:"utcTime,omitempty"`
	Cause      string `json:"cause,omitempty" yaml:"cause,omitempty"`
}

// Detailer is implemented by every error in this package.
type Detailer interface {
	Details() Details
}

// LoginRequiredError indicates that there is no usable credential: the caller
// must redirect the user to log in.
type LoginRequiredError struct{}

func (e LoginRequiredError) Error() string {
	return "login required"
}

func (e LoginRequiredError) Details() Details {
	return Details{Kind: "login_required", Area: "login", Code: "login_required", Message: e.Error()}
}

// RedirectCancelledError indicates the user dismissed the browser before the
// redirect completed. It is not a failure.
type RedirectCancelledError struct {
	Operation string
}

func (e RedirectCancelledError) Error() string {
	return fmt.Sprintf("%s redirect cancelled", e.Operation)
}

func (e RedirectCancelledError) Details() Details {
	return Details{Kind: "redirect_cancelled", Area: e.Operation, Code: "redirect_cancelled", Message: e.Error()}
}

type MetadataLookupError struct {
	URL   string
	Cause error
}

func (e MetadataLookupError) Error() string {
	return fmt.Sprintf("metadata lookup failed for %s: %v", e.URL, e.Cause)
}

func (e MetadataLookupError) Unwrap() error {
	return e.Cause
}

func (e MetadataLookupError) Details() Details {
	return Details{Kind: "metadata_lookup", Area: "metadata", Code: "metadata_lookup_failed", Message: e.Error(), Cause: causeText(e.Cause)}
}

// TokenError is a token endpoint grant failure other than invalid_grant.
type TokenError struct {
	Grant       string // authorization_code or refresh_token
	Code        string // OAuth error code, when the provider supplied one
	Description string
	StatusCode  int
	Cause       error
}

func (e TokenError) Error() string {
	msg := fmt.Sprintf("%s grant failed", e.Grant)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Cause != nil && e.Code == "" {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e TokenError) Unwrap() error {
	return e.Cause
}

func (e TokenError) Details() Details {
	code := e.Code
	if code == "" {
		code = "token_grant_failed"
	}
	return Details{
		Kind:       "token",
		Area:       "token",
		Code:       code,
		Message:    e.Error(),
		StatusCode: e.StatusCode,
		Cause:      causeText(e.Cause),
	}
}

// NetworkError is a transport level failure, including timeouts.
type NetworkError struct {
	URL   string
	Cause error
}

func (e NetworkError) Error() string {
	return fmt.Sprintf("network request to %s failed: %v", e.URL, e.Cause)
}

func (e NetworkError) Unwrap() error {
	return e.Cause
}

func (e NetworkError) Details() Details {
	return Details{Kind: "network", Area: "connectivity", Code: "network_error", Message: e.Error(), Cause: causeText(e.Cause)}
}

// ResponseError is a non-2xx API response with the details parsed from its
// body. InstanceID and UTCTime are set for 500-class errors that the API
// logged for support lookup.
type ResponseError struct {
	URL        string
	StatusCode int
	Area       string
	Code       string
	Message    string
	InstanceID string
	UTCTime    string
}

func (e ResponseError) Error() string {
	msg := fmt.Sprintf("request to %s returned %d", e.URL, e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e ResponseError) Details() Details {
	code := e.Code
	if code == "" {
		code = strings.ReplaceAll(strings.ToLower(http.StatusText(e.StatusCode)), " ", "_")
	}
	return Details{
		Kind:       "response",
		Area:       e.Area,
		Code:       code,
		Message:    e.Message,
		StatusCode: e.StatusCode,
		InstanceID: e.InstanceID,
		UTCTime:    e.UTCTime,
	}
}

// Unauthorized reports whether the response was a 401.
func (e ResponseError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// GeneralError is an unexpected or programming level failure.
type GeneralError struct {
	Area    string
	Code    string
	Message string
	Cause   error
}

func (e GeneralError) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e GeneralError) Unwrap() error {
	return e.Cause
}

func (e GeneralError) Details() Details {
	return Details{Kind: "general", Area: e.Area, Code: e.Code, Message: e.Message, Cause: causeText(e.Cause)}
}

// IsLoginRequired reports whether err, or any error it wraps, requires the
// user to log in again.
func IsLoginRequired(err error) bool {
	var target LoginRequiredError
	return errors.As(err, &target)
}

// IsCancelled reports whether err is a redirect the user dismissed.
func IsCancelled(err error) bool {
	var target RedirectCancelledError
	return errors.As(err, &target)
}

// IsUnauthorized reports whether err is a 401 API response.
func IsUnauthorized(err error) bool {
	var target ResponseError
	return errors.As(err, &target) && target.Unauthorized()
}

// DetailsOf extracts details from err. Errors from outside this package are
// reported as general errors.
func DetailsOf(err error) Details {
	if err == nil {
		return Details{}
	}

	var d Detailer
	if errors.As(err, &d) {
		details := d.Details()
		details.Area = areaLabel(details.Area)
		return details
	}

	return Details{Kind: "general", Code: "general_error", Message: err.Error()}
}

// areaLabel formats an area for display: "user_info" becomes "User Info".
func areaLabel(area string) string {
	if area == "" {
		return ""
	}
	// a Caser holds state, so one is made per call
	return cases.Title(language.English, cases.NoLower).String(strings.ReplaceAll(area, "_", " "))
}

func causeText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
