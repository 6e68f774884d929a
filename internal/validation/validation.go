// Package validation rejects malformed requests before they reach
// admission, the cache or any agent.
package validation

import (
	"strings"
	"unicode/utf8"

	"github.com/querygate/querygate/pkg/models"
)

// MaxInputLength bounds the request input, in characters.
const MaxInputLength = 4096

// forbidden are comment and statement-chaining sequences never accepted in
// natural-language input.
var forbidden = []string{";--", "/*", "*/"}

// Input checks a natural-language question.
func Input(input string) error {
	if strings.TrimSpace(input) == "" {
		return models.NewError(models.ErrValidation, "input cannot be empty")
	}
	if n := utf8.RuneCountInString(input); n > MaxInputLength {
		return models.NewError(models.ErrValidation, "input is %d characters, maximum is %d", n, MaxInputLength)
	}
	for _, seq := range forbidden {
		if strings.Contains(input, seq) {
			return models.NewError(models.ErrValidation, "invalid characters in input")
		}
	}
	return nil
}

// Request checks everything Resolve needs before admission.
func Request(req *models.Request) error {
	if req == nil {
		return models.NewError(models.ErrValidation, "request is required")
	}
	if !req.Kind.Valid() {
		return models.NewError(models.ErrValidation, "unknown kind %q (want %s or %s)", req.Kind, models.KindTranslate, models.KindInsight)
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		return models.NewError(models.ErrValidation, "requester is required")
	}
	if req.Capability != "" && req.Capability != models.CapabilityTranslate && req.Capability != models.CapabilitySummarize {
		return models.NewError(models.ErrValidation, "unknown capability %q", req.Capability)
	}
	return Input(req.Input)
}
