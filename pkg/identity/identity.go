/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package identity validates construction options and resolves them into
// the immutable configuration of one instance.
package identity

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/srediag/instance-client/api"
	"github.com/srediag/instance-client/pkg/logsink"
	"github.com/srediag/instance-client/pkg/security"
)

// Options are the caller-facing construction options.
type Options struct {
	AccessKeyID     string            `yaml:"access_key_id" validate:"required"`
	SecretAccessKey string            `yaml:"secret_access_key" validate:"required"`
	Account         string            `yaml:"account" validate:"required,entityname"`
	Project         string            `yaml:"project" validate:"required,entityname"`
	Labels          map[string]string `yaml:"labels" validate:"omitempty,dive,keys,labelname,endkeys,max=256"`
	WatchConfig     bool              `yaml:"watch_config"`
	ConfigPath      string            `yaml:"config_path" validate:"required_if=WatchConfig true,omitempty,configpath"`

	// Logger overrides the process-wide sink for this instance.
	Logger logsink.Sink `yaml:"-" validate:"-"`
}

// Identity is the namespace an instance registers under.
type Identity struct {
	Account string
	Project string
	Labels  map[string]string
}

// Config is the validated, immutable configuration of one instance.
type Config struct {
	Credentials security.Credentials
	Identity    Identity
	WatchConfig bool
	ConfigPath  string
	Logger      logsink.Sink
}

var (
	entityNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	labelNamePattern  = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,63}$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "entityname", func(fl validator.FieldLevel) bool {
		return entityNamePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "labelname", func(fl validator.FieldLevel) bool {
		return labelNamePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "configpath", func(fl validator.FieldLevel) bool {
		return ValidConfigPath(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("identity: register %s: %v", tag, err))
	}
}

// ValidConfigPath is the syntactic check applied to config_path. Existence
// and readability are checked by the watcher.
func ValidConfigPath(path string) bool {
	if path == "" || strings.ContainsRune(path, 0) {
		return false
	}
	return !strings.HasSuffix(path, "/") && !strings.HasSuffix(path, "\\")
}

// Validate checks opts and returns an *api.ValidationError naming the
// first offending option.
func (o Options) Validate() error {
	err := validate.Struct(o)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &api.ValidationError{Reason: err.Error()}
	}
	fe := fieldErrs[0]
	return &api.ValidationError{Field: fieldName(fe), Reason: reason(fe)}
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required and must not be empty"
	case "required_if":
		return "is required when watch_config is true"
	case "entityname":
		return "must be 1-63 lowercase alphanumerics or '-', starting with an alphanumeric"
	case "labelname":
		return "label names must be 1-63 characters of [A-Za-z0-9_.-]"
	case "max":
		return "label values must be at most 256 characters"
	case "configpath":
		return "must be a file path"
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// Resolve validates opts and builds the instance configuration. Labels are
// copied so later changes to opts do not leak into the instance.
func Resolve(opts Options) (*Config, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(opts.Labels))
	for k, v := range opts.Labels {
		labels[k] = v
	}
	return &Config{
		Credentials: security.Credentials{
			AccessKeyID:     opts.AccessKeyID,
			SecretAccessKey: security.NewSecret(opts.SecretAccessKey),
		},
		Identity: Identity{
			Account: opts.Account,
			Project: opts.Project,
			Labels:  labels,
		},
		WatchConfig: opts.WatchConfig,
		ConfigPath:  opts.ConfigPath,
		Logger:      opts.Logger,
	}, nil
}
