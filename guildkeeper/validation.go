package guildkeeper

import (
	"reflect"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(
		func(field reflect.Value) any {
			if f, ok := field.Interface().(Flag); ok {
				return bool(f)
			}
			return nil
		},
		Flag(false),
	)
}

// ValidateConfig validates the given config's binding tags
func ValidateConfig(cfg *Config) error {
	return structValidator.Struct(cfg)
}
