package validation

import (
	"errors"
	"fmt"
	"strings"

	"merakstore/pkg/models"
)

// Limits caps request-supplied fields. Zero values disable the cap.
type Limits struct {
	MaxPayloadBytes int64
	MaxTitleLen     int
	MaxMetadataKeys int
}

var limits = Limits{
	MaxPayloadBytes: 256 * 1024,
	MaxTitleLen:     512,
	MaxMetadataKeys: 64,
}

// SetLimits replaces the process-wide limits. Called once at startup.
func SetLimits(l Limits) {
	if l.MaxPayloadBytes > 0 {
		limits.MaxPayloadBytes = l.MaxPayloadBytes
	}
	if l.MaxTitleLen > 0 {
		limits.MaxTitleLen = l.MaxTitleLen
	}
	if l.MaxMetadataKeys > 0 {
		limits.MaxMetadataKeys = l.MaxMetadataKeys
	}
}

// MaxPayloadBytes reports the current payload cap; the HTTP layer uses it
// to bound request bodies before decoding.
func MaxPayloadBytes() int64 { return limits.MaxPayloadBytes }

// ValidateThread checks caller-supplied thread fields.
func ValidateThread(th models.Thread) error {
	var errs []string
	if limits.MaxTitleLen > 0 && len(th.Title) > limits.MaxTitleLen {
		errs = append(errs, fmt.Sprintf("title too long: %d > %d", len(th.Title), limits.MaxTitleLen))
	}
	if limits.MaxMetadataKeys > 0 && len(th.Metadata) > limits.MaxMetadataKeys {
		errs = append(errs, fmt.Sprintf("too many metadata keys: %d > %d", len(th.Metadata), limits.MaxMetadataKeys))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ValidateItem checks caller-supplied item fields. Kind and status
// consistency is enforced here as well as in the store, so bad requests
// fail before touching the backend.
func ValidateItem(it models.Item) error {
	var errs []string
	if !models.ValidKind(it.Kind) {
		errs = append(errs, fmt.Sprintf("unknown item kind %q", it.Kind))
	} else if err := models.CheckStatus(it.Kind, it.Status); err != nil {
		errs = append(errs, err.Error())
	}
	if limits.MaxPayloadBytes > 0 && int64(len(it.Payload)) > limits.MaxPayloadBytes {
		errs = append(errs, fmt.Sprintf("payload too large: %d > %d bytes", len(it.Payload), limits.MaxPayloadBytes))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
