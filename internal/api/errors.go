package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
)

// maxMessageBytes caps a plain-text error body kept in APIError.Message.
const maxMessageBytes = 500

// APIError is a non-2xx response from the SummEval backend.
type APIError struct {
	StatusCode int
	Message    string
	// Code is the structured error code, when the backend sends one.
	Code string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("summeval api: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("summeval api: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// errorBody is the backend's error envelope. Some views answer with text/html,
// so the body is decoded regardless of content type.
type errorBody struct {
	Error  interface{} `json:"error"`
	Detail string      `json:"detail"`
	Code   string      `json:"code"`
}

func newAPIError(resp *resty.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	body := resp.Body()

	var parsed errorBody
	if len(body) > 0 && sonic.Unmarshal(body, &parsed) == nil {
		apiErr.Code = parsed.Code
		switch v := parsed.Error.(type) {
		case string:
			apiErr.Message = v
		case nil:
			apiErr.Message = parsed.Detail
		default:
			if raw, err := sonic.MarshalString(v); err == nil {
				apiErr.Message = raw
			}
		}
		return apiErr
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxMessageBytes {
		n := maxMessageBytes
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}
		msg = msg[:n]
	}
	apiErr.Message = msg
	return apiErr
}
