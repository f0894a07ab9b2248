// Package phone normalizes destination numbers before they are dialed.
package phone

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"

	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

// Normalize parses raw using region as the default country and returns the
// number in E.164 form.
func Normalize(raw, region string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty phone number", apperrors.ErrValidation)
	}

	num, err := phonenumbers.Parse(trimmed, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: parse phone %q: %v", apperrors.ErrValidation, raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: phone %q is not a valid number", apperrors.ErrValidation, raw)
	}

	return phonenumbers.Format(num, phonenumbers.E164), nil
}
