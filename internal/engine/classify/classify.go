// Package classify maps remote call outcomes onto a closed set of error kinds.
//
// This is the only place that inspects driver codes and message text. Everything
// downstream matches on domain.ErrorKind.
package classify

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"go.trai.ch/tally/internal/core/domain"
)

var permissionCodes = map[string]bool{
	"42501":    true, // insufficient_privilege
	"PGRST301": true, // JWT invalid or expired
	"PGRST302": true, // anonymous access disabled
}

var notFoundCodes = map[string]bool{
	"PGRST116": true, // single row requested, none found
	"P0002":    true, // no_data_found
}

var permissionMarkers = []string{
	"jwt expired",
	"jwt is expired",
	"invalid jwt",
	"invalid token",
	"token is expired",
	"row-level security",
	"row level security",
	"permission denied",
}

var networkMarkers = []string{
	"failed to fetch",
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"broken pipe",
}

// Outcome classifies a settled outcome. Successful outcomes are KindNone.
func Outcome[T any](o domain.Outcome[T]) domain.ErrorKind {
	switch o.Status {
	case domain.StatusOK:
		return domain.KindNone
	case domain.StatusTimedOut:
		return domain.KindTimeout
	}
	if o.Err == nil {
		return domain.KindUnknown
	}
	return Error(o.Err)
}

// Error classifies err. It is total: unrecognized errors are KindUnknown.
func Error(err error) domain.ErrorKind {
	if err == nil {
		return domain.KindNone
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.KindTimeout
	case errors.Is(err, domain.ErrCredentialInvalid), errors.Is(err, domain.ErrNoCredential):
		return domain.KindPermission
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, domain.ErrNoRows):
		return domain.KindNotFound
	}

	var remote *domain.RemoteError
	if errors.As(err, &remote) {
		if kind := fromRemote(remote); kind != domain.KindUnknown {
			return kind
		}
	}

	if isNetwork(err) {
		return domain.KindNetwork
	}

	return fromMessage(err.Error())
}

func fromRemote(e *domain.RemoteError) domain.ErrorKind {
	code := strings.ToUpper(e.Code)
	switch {
	case permissionCodes[code], strings.HasPrefix(code, "28"):
		return domain.KindPermission
	case notFoundCodes[code]:
		return domain.KindNotFound
	case strings.HasPrefix(code, "08"):
		return domain.KindNetwork
	}

	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.KindPermission
	case http.StatusNotFound:
		return domain.KindNotFound
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return domain.KindTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return domain.KindNetwork
	}

	return fromMessage(e.Message)
}

func isNetwork(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func fromMessage(msg string) domain.ErrorKind {
	lower := strings.ToLower(msg)
	for _, m := range permissionMarkers {
		if strings.Contains(lower, m) {
			return domain.KindPermission
		}
	}
	for _, m := range networkMarkers {
		if strings.Contains(lower, m) {
			return domain.KindNetwork
		}
	}
	return domain.KindUnknown
}
