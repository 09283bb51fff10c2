// Package apierr carries client facing HTTP errors. Bodies are plain text
// with stable prefixes such as "Unauthorized - " and "Forbidden - ".
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ResponseError struct {
	Status  int
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func New(status int, message string) *ResponseError {
	return &ResponseError{Status: status, Message: message}
}

func Newf(status int, format string, args ...any) *ResponseError {
	return &ResponseError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// Text writes a plain-text response.
func Text(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

// Write renders err. A ResponseError keeps its status and message, anything
// else becomes a 500 without detail.
func Write(w http.ResponseWriter, err error) {
	var re *ResponseError
	if errors.As(err, &re) {
		Text(w, re.Status, re.Message)
		return
	}
	Text(w, http.StatusInternalServerError, "Internal Server Error")
}

// MethodNotAllowed writes a 405 listing the allowed methods.
func MethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	allow := strings.Join(allowed, ", ")
	w.Header().Set("Allow", allow)
	Text(w, http.StatusMethodNotAllowed, "405: Method not allowed, Allowed: "+allow)
}
