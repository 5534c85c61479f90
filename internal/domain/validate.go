// Package domain validate.go checks record shapes before they reach storage.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func recordValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// present passes any value; absent and null fields fail before it
		// runs. Unlike required it accepts zero, so id 0 counts as set.
		_ = validate.RegisterValidation("present", func(validator.FieldLevel) bool { return true })
	})
	return validate
}

// expiringRules apply to every expiring store; op is added for stores that
// carry an op index.
var expiringRules = map[string]interface{}{
	FieldID:      "present",
	FieldExpires: "present",
}

// ValidateExpiring checks that r carries the fields an expiring store needs:
// id and expires always, op as well when requireOP is set. Expiry must be an
// integer millisecond timestamp.
func ValidateExpiring(r Record, requireOP bool) error {
	if r == nil {
		return ErrInvalidRecord
	}
	rules := make(map[string]interface{}, len(expiringRules)+1)
	for k, v := range expiringRules {
		rules[k] = v
	}
	if requireOP {
		rules[FieldOP] = "present"
	}
	data := make(map[string]interface{}, len(rules))
	for k := range rules {
		if v, ok := r[k]; ok {
			data[k] = v
		}
	}
	if errs := recordValidator().ValidateMap(data, rules); len(errs) > 0 {
		fields := make([]string, 0, len(errs))
		for f := range errs {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		return fmt.Errorf("%w: missing %s", ErrInvalidRecord, strings.Join(fields, ", "))
	}
	if k, ok := r.Key(FieldExpires); !ok || !k.IsInt() {
		return fmt.Errorf("%w: expires must be an integer timestamp", ErrInvalidRecord)
	}
	return nil
}
