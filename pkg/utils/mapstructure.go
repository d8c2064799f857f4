package utils

import (
	"os"
	"reflect"
	"regexp"

	"github.com/mitchellh/mapstructure"
)

var stringFromEnvVarRegex = regexp.MustCompile(`^ENV{(\w+)}$`)

// StringFromEnvVar holds a configuration string which can be provided
// either verbatim or with the syntax `ENV{VAR_NAME}`, in which case the
// value is resolved from the environment at load time. Used for secrets
// like service keys and database passwords.
type StringFromEnvVar struct {
	wrapped string
}

func (s *StringFromEnvVar) Value() string {
	return s.wrapped
}

func NewStringFromEnvVar(value string) *StringFromEnvVar {
	if match := stringFromEnvVarRegex.FindStringSubmatch(value); match != nil {
		return &StringFromEnvVar{
			wrapped: os.Getenv(match[1]),
		}
	}

	return &StringFromEnvVar{
		wrapped: value,
	}
}

func StringToStringFromEnvVarHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf((*StringFromEnvVar)(nil)) {
			return data, nil
		}

		return NewStringFromEnvVar(data.(string)), nil
	}
}
