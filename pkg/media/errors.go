package media

import (
	"errors"
	"strings"

	"github.com/vango-go/vai-call/pkg/core/call"
)

// classify maps a miniaudio failure onto the call error taxonomy.
// miniaudio reports causes as result strings, so matching is textual.
// Unrecognized errors are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *call.Error
	if errors.As(err, &ce) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "access denied", "permission", "not permitted", "not allowed"):
		return call.NewPermissionDeniedError(err)
	case containsAny(msg, "no device", "does not exist", "not found", "no backend"):
		return call.NewDeviceNotFoundError(err)
	case containsAny(msg, "busy", "in use", "already in use", "exclusive"):
		return call.NewDeviceBusyError(err)
	}
	return err
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
