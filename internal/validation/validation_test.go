package validation_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/querygate/querygate/internal/validation"
	"github.com/querygate/querygate/pkg/models"
)

func TestInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"ok", "top customers by spending", false},
		{"empty", "", true},
		{"blank", "  \t\n", true},
		{"at limit", strings.Repeat("a", validation.MaxInputLength), false},
		{"over limit", strings.Repeat("a", validation.MaxInputLength+1), true},
		{"multibyte at limit", strings.Repeat("é", validation.MaxInputLength), false},
		{"comment chain", "customers;-- drop", true},
		{"block comment open", "orders /* x", true},
		{"block comment close", "orders x */", true},
		{"semicolon alone", "orders; customers", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validation.Input(tt.input)
			if tt.wantErr {
				assert.True(t, models.IsKind(err, models.ErrValidation), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequest(t *testing.T) {
	valid := models.Request{Kind: models.KindTranslate, Input: "q", RequesterID: "alice"}
	assert.NoError(t, validation.Request(&valid))

	badKind := valid
	badKind.Kind = "delete"
	assert.True(t, models.IsKind(validation.Request(&badKind), models.ErrValidation))

	noRequester := valid
	noRequester.RequesterID = " "
	assert.Error(t, validation.Request(&noRequester))

	badCap := valid
	badCap.Capability = "paint"
	assert.Error(t, validation.Request(&badCap))

	assert.Error(t, validation.Request(nil))
}
