// reiharvest - polite, resumable web-harvesting substrate for real-estate listings
//
// Package validation wraps go-playground/validator/v10 behind a singleton
// instance, the way cartographus/internal/validation/validator.go does, so
// every package that needs struct validation (config loading, the fetch
// endpoint's request body) shares one cached validator rather than
// constructing its own per call.
package validation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	instance *validator.Validate
	once     sync.Once
)

func get() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
	})
	return instance
}

// ValidateStruct validates s against its `validate:"..."` tags and returns
// a single error joining every failed field, or nil if s is valid.
func ValidateStruct(s interface{}) error {
	if err := get().Struct(s); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("validate: %w", err)
		}
		messages := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			messages = append(messages, fmt.Sprintf("%s failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return fmt.Errorf("validation failed: %s", strings.Join(messages, "; "))
	}
	return nil
}
