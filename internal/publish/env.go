package publish

import (
	"encoding"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

const envPrefix = "CHANNELCTL_"

// ApplyEnvironmentVariables overrides configuration values from
// CHANNELCTL_* environment variables. Variable names follow the TOML
// structure: CHANNELCTL_DIR, CHANNELCTL_LOG_LEVEL,
// CHANNELCTL_TLS_MIN_VERSION, CHANNELCTL_LOCK_TIMEOUT and so on.
// Unset or empty variables leave the configuration untouched.
func (c *Config) ApplyEnvironmentVariables() error {
	return applyEnvToStruct(reflect.ValueOf(c).Elem(), envPrefix)
}

func applyEnvToStruct(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("toml")
		if tag == "" || tag == "-" {
			continue
		}
		tag = strings.TrimSuffix(tag, ",omitempty")
		envVar := prefix + strings.ToUpper(tag)

		if !field.CanSet() {
			continue
		}

		// Types with their own text form (durations) take the raw
		// variable value.
		if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
			value := os.Getenv(envVar)
			if value == "" {
				continue
			}
			if err := u.UnmarshalText([]byte(value)); err != nil {
				return errors.Wrap(err, envVar)
			}
			continue
		}

		switch field.Kind() {
		case reflect.Struct:
			if err := applyEnvToStruct(field, envVar+"_"); err != nil {
				return err
			}
		case reflect.Map, reflect.Ptr:
			// Sources are configured per-source in the file, not via
			// the environment.
			continue
		default:
			if os.Getenv(envVar) == "" {
				continue
			}
			if err := setFieldFromEnv(field, envVar); err != nil {
				return err
			}
		}
	}
	return nil
}

// setFieldFromEnv sets a single leaf field from the named environment
// variable. Supported kinds: string, int, bool and string slices
// (comma separated).
func setFieldFromEnv(field reflect.Value, envVar string) error {
	value := os.Getenv(envVar)
	if value == "" {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "%s: invalid integer %q", envVar, value)
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "%s: invalid boolean %q", envVar, value)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return errors.Newf("%s: unsupported slice type %s", envVar, field.Type())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return errors.Newf("%s: unsupported field type %s", envVar, field.Type())
	}
	return nil
}
