// Package config loads application configuration from a YAML or JSON file
// with environment-variable overrides layered on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Loader reads configuration files and overlays environment variables whose
// names derive from the struct's yaml tags, joined with underscores under
// the loader's prefix.
type Loader struct {
	envPrefix string
}

// NewLoader creates a loader for the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{envPrefix: envPrefix}
}

// Load reads the file when a path is given, then applies environment
// overrides. Environment always wins.
func (l *Loader) Load(path string, config interface{}) error {
	if err := l.loadFile(path, config); err != nil {
		return err
	}
	return l.applyEnv(reflect.ValueOf(config).Elem(), "")
}

func (l *Loader) loadFile(path string, config interface{}) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("parse json config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q, use .yaml or .json", filepath.Ext(path))
	}
	return nil
}

func (l *Loader) applyEnv(value reflect.Value, prefix string) error {
	if !value.IsValid() || !value.CanSet() {
		return nil
	}

	if value.Kind() == reflect.Ptr {
		if value.IsNil() {
			value.Set(reflect.New(value.Type().Elem()))
		}
		return l.applyEnv(value.Elem(), prefix)
	}
	if value.Kind() != reflect.Struct {
		return nil
	}

	structType := value.Type()
	for i := 0; i < value.NumField(); i++ {
		field := value.Field(i)
		if !field.CanSet() {
			continue
		}

		name := structType.Field(i).Tag.Get("yaml")
		if idx := strings.Index(name, ","); idx >= 0 {
			name = name[:idx]
		}
		if name == "" || name == "-" {
			name = strings.ToLower(structType.Field(i).Name)
		}
		if prefix != "" {
			name = prefix + "_" + name
		}

		if field.Kind() == reflect.Struct ||
			(field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct) {
			if err := l.applyEnv(field, name); err != nil {
				return err
			}
			continue
		}

		envName := strings.ToUpper(name)
		if l.envPrefix != "" {
			envName = l.envPrefix + "_" + envName
		}
		raw, ok := os.LookupEnv(envName)
		if !ok || raw == "" {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("set %s from %s: %w", structType.Field(i).Name, envName, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(v)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(v)
	case reflect.Float32, reflect.Float64:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(v)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}
