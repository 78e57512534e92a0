package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EnvLoader overrides Config fields from the environment. Names are built
// from the yaml tags below the prefix, e.g. GROUNDGATE_PATHS_AUDIT_LOG.
type EnvLoader struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvLoader reads variables named prefix_<yaml path>
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{prefix: prefix, lookup: os.LookupEnv}
}

// Load applies every non-empty variable to cfg
func (el *EnvLoader) Load(cfg *Config) error {
	_, err := el.apply(cfg)
	return err
}

// Overrides applies the environment to cfg and returns the names of the
// variables that changed it, sorted.
func (el *EnvLoader) Overrides(cfg *Config) ([]string, error) {
	return el.apply(cfg)
}

// Names lists every variable the loader understands
func (el *EnvLoader) Names() []string {
	var names []string
	el.walk(reflect.ValueOf(&Config{}).Elem(), el.prefix, func(name string, _ reflect.Value) error {
		names = append(names, name)
		return nil
	})
	sort.Strings(names)
	return names
}

func (el *EnvLoader) apply(cfg *Config) ([]string, error) {
	var applied []string
	err := el.walk(reflect.ValueOf(cfg).Elem(), el.prefix, func(name string, field reflect.Value) error {
		raw, ok := el.lookup(name)
		if !ok || raw == "" {
			return nil
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		applied = append(applied, name)
		return nil
	})
	sort.Strings(applied)
	return applied, err
}

// walk calls fn for every settable leaf field below v
func (el *EnvLoader) walk(v reflect.Value, prefix string, fn func(string, reflect.Value) error) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		name := envName(prefix, t.Field(i))

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := el.walk(field, name, fn); err != nil {
				return err
			}
			continue
		}
		if err := fn(name, field); err != nil {
			return err
		}
	}
	return nil
}

func envName(prefix string, f reflect.StructField) string {
	tag, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if tag == "" || tag == "-" {
		tag = f.Name
	}
	name := strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(tag))
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

func setField(field reflect.Value, raw string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
