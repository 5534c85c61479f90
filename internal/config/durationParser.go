package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/haukened/keepsake/internal/domain"
)

// StringToDuration is a DecodeHookFunc that converts a string to
// time.Duration, accepting Go durations and whole days ("7d").
func StringToDuration() mapstructure.DecodeHookFunc {
	return func(f, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		s := strings.TrimSpace(data.(string))
		if s == "" {
			return nil, fmt.Errorf("empty duration string")
		}
		d, err := domain.ParseTTL(s)
		if err != nil {
			return nil, fmt.Errorf("parse duration %q: %w", s, err)
		}
		return d, nil
	}
}
