package cmd

import (
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/frahmantamala/tramite-payments/internal"
)

// exitError ends the process with the code for status; the body was already printed.
type exitError struct {
	status int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("gateway answered status %d", e.status)
}

// exitCode maps the HTTP status of a result onto a process exit code, so scripts can tell
// a rejected payment from an unknown outcome without parsing the body.
func exitCode(status int) int {
	switch {
	case status < 400:
		return 0
	case status == http.StatusNotFound:
		return 3
	case status == http.StatusConflict:
		return 4
	case status == http.StatusUnprocessableEntity:
		return 5
	case status == http.StatusBadGateway:
		return 6
	case status == http.StatusServiceUnavailable:
		return 7
	case status == http.StatusGatewayTimeout:
		return 8
	case status < 500:
		return 2
	default:
		return 1
	}
}

// reportError prints an AppError as the HTTP surface would answer it and returns the
// exit code. Anything else is plain text on stderr with exit code 1.
func reportError(stdout, stderr io.Writer, err error) int {
	var ee *exitError
	if stderrors.As(err, &ee) {
		return exitCode(ee.status)
	}

	appErr, ok := internal.IsAppError(err)
	if !ok {
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}

	status, _ := appErr.ToHTTPResponse()
	if err := writeJSON(stdout, map[string]interface{}{
		"statusCode": status,
		"error":      appErr,
	}); err != nil {
		fmt.Fprintln(stderr, "Error:", appErr)
	}
	return exitCode(status)
}
