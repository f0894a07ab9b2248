package handlers

import (
	"encoding/base64"
	"fmt"

	apperrors "github.com/acme/broadcast-dispatch/pkg/errors"
)

func encodePageToken(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodePageToken(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed page token", apperrors.ErrValidation)
	}
	return data, nil
}
