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

package identity

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/srediag/instance-client/api"
	"github.com/srediag/instance-client/pkg/logsink"
)

// Option keys accepted by FromMap.
const (
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyAccount         = "account"
	KeyProject         = "project"
	KeyLabels          = "labels"
	KeyWatchConfig     = "watch_config"
	KeyConfigPath      = "config_path"
	KeyLogger          = "logger"
)

// FromMap converts a dynamic options mapping into Options. Unknown keys
// are rejected. Label keys and values of any scalar kind are converted to
// strings; two keys that convert to the same string are a duplicate.
// The result is not validated; call Resolve.
func FromMap(raw map[string]any) (Options, error) {
	var opts Options

	unknown := make([]string, 0)
	for key := range raw {
		switch key {
		case KeyAccessKeyID, KeySecretAccessKey, KeyAccount, KeyProject,
			KeyLabels, KeyWatchConfig, KeyConfigPath, KeyLogger:
		default:
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Options{}, &api.ValidationError{Field: unknown[0], Reason: "unknown option"}
	}

	var err error
	if opts.AccessKeyID, err = stringOption(raw, KeyAccessKeyID); err != nil {
		return Options{}, err
	}
	if opts.SecretAccessKey, err = stringOption(raw, KeySecretAccessKey); err != nil {
		return Options{}, err
	}
	if opts.Account, err = stringOption(raw, KeyAccount); err != nil {
		return Options{}, err
	}
	if opts.Project, err = stringOption(raw, KeyProject); err != nil {
		return Options{}, err
	}
	if opts.ConfigPath, err = stringOption(raw, KeyConfigPath); err != nil {
		return Options{}, err
	}

	if v, ok := raw[KeyWatchConfig]; ok && v != nil {
		b, isBool := v.(bool)
		if !isBool {
			return Options{}, &api.ValidationError{Field: KeyWatchConfig, Reason: fmt.Sprintf("must be a bool, got %T", v)}
		}
		opts.WatchConfig = b
	}

	if v, ok := raw[KeyLabels]; ok && v != nil {
		if opts.Labels, err = coerceLabels(v); err != nil {
			return Options{}, err
		}
	}

	if v, ok := raw[KeyLogger]; ok && v != nil {
		if opts.Logger, err = SinkOf(v); err != nil {
			return Options{}, err
		}
	}
	return opts, nil
}

// SinkOf accepts a logsink.Sink, a func(logsink.Record) or a *slog.Logger.
func SinkOf(v any) (logsink.Sink, error) {
	switch s := v.(type) {
	case logsink.Sink:
		return s, nil
	case func(logsink.Record):
		return logsink.SinkFunc(s), nil
	case *slog.Logger:
		return logsink.NewSlogSink(s), nil
	default:
		return nil, &api.ValidationError{Field: KeyLogger, Reason: fmt.Sprintf("unsupported sink type %T", v)}
	}
}

func stringOption(raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return "", nil
	}
	s, isString := v.(string)
	if !isString {
		return "", &api.ValidationError{Field: key, Reason: fmt.Sprintf("must be a string, got %T", v)}
	}
	return s, nil
}

func coerceLabels(v any) (map[string]string, error) {
	labels := make(map[string]string)
	add := func(k, val any) error {
		key, ok := scalarString(k)
		if !ok {
			return &api.ValidationError{Field: KeyLabels, Reason: fmt.Sprintf("label key of type %T is not a scalar", k)}
		}
		value, ok := scalarString(val)
		if !ok {
			return &api.ValidationError{Field: KeyLabels + "[" + key + "]", Reason: fmt.Sprintf("label value of type %T is not a scalar", val)}
		}
		if _, dup := labels[key]; dup {
			return &api.ValidationError{Field: KeyLabels + "[" + key + "]", Reason: "duplicate label key"}
		}
		labels[key] = value
		return nil
	}

	switch m := v.(type) {
	case map[string]string:
		for k, val := range m {
			labels[k] = val
		}
	case map[string]any:
		for k, val := range m {
			if err := add(k, val); err != nil {
				return nil, err
			}
		}
	case map[any]any:
		for k, val := range m {
			if err := add(k, val); err != nil {
				return nil, err
			}
		}
	default:
		return nil, &api.ValidationError{Field: KeyLabels, Reason: fmt.Sprintf("must be a mapping, got %T", v)}
	}
	return labels, nil
}

func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	case bool:
		return strconv.FormatBool(s), true
	case int:
		return strconv.Itoa(s), true
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(s), true
	case float32:
		return strconv.FormatFloat(float64(s), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64), true
	default:
		return "", false
	}
}
