package httptransport

import (
	"errors"

	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/sentinel"
)

// storeError translates store sentinels into domain errors so handlers that
// talk to stores directly emit the same envelopes as service-backed ones.
func storeError(err error, what string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, what+" not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, what+" already exists")
	}
	return err
}
