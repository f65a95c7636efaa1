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
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/instance-client/api"
	"github.com/srediag/instance-client/pkg/logsink"
)

type symbol string

func (s symbol) String() string { return string(s) }

func validOptions() Options {
	return Options{
		AccessKeyID:     "K",
		SecretAccessKey: "S",
		Account:         "acme",
		Project:         "p1",
		Labels:          map[string]string{"env": "prod"},
	}
}

func requireValidationError(t *testing.T, err error, field string) {
	t.Helper()
	var verr *api.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, field, verr.Field)
}

func TestResolveValid(t *testing.T) {
	opts := validOptions()
	cfg, err := Resolve(opts)
	require.NoError(t, err)

	assert.Equal(t, "K", cfg.Credentials.AccessKeyID)
	assert.Equal(t, "S", cfg.Credentials.SecretAccessKey.Reveal())
	assert.Equal(t, Identity{Account: "acme", Project: "p1", Labels: map[string]string{"env": "prod"}}, cfg.Identity)
	assert.False(t, cfg.WatchConfig)

	opts.Labels["env"] = "dev"
	assert.Equal(t, "prod", cfg.Identity.Labels["env"])
}

func TestResolveMissingRequired(t *testing.T) {
	cases := map[string]func(*Options){
		"access_key_id":     func(o *Options) { o.AccessKeyID = "" },
		"secret_access_key": func(o *Options) { o.SecretAccessKey = "" },
		"account":           func(o *Options) { o.Account = "" },
		"project":           func(o *Options) { o.Project = "" },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			opts := validOptions()
			mutate(&opts)
			cfg, err := Resolve(opts)
			assert.Nil(t, cfg)
			requireValidationError(t, err, field)
		})
	}
}

func TestResolveNames(t *testing.T) {
	cases := []struct {
		name    string
		account string
		ok      bool
	}{
		{"lowercase", "acme", true},
		{"digits and dash", "a-1-b", true},
		{"max length", strings.Repeat("a", 63), true},
		{"too long", strings.Repeat("a", 64), false},
		{"uppercase", "Acme", false},
		{"leading dash", "-acme", false},
		{"underscore", "ac_me", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := validOptions()
			opts.Account = tc.account
			_, err := Resolve(opts)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			requireValidationError(t, err, "account")
		})
	}
}

func TestResolveLabels(t *testing.T) {
	opts := validOptions()
	opts.Labels = map[string]string{"bad key": "v"}
	_, err := Resolve(opts)
	requireValidationError(t, err, "labels[bad key]")

	opts.Labels = map[string]string{"team.name_1-x": strings.Repeat("v", 256)}
	_, err = Resolve(opts)
	assert.NoError(t, err)

	opts.Labels = map[string]string{"env": strings.Repeat("v", 257)}
	_, err = Resolve(opts)
	requireValidationError(t, err, "labels[env]")

	opts.Labels = nil
	cfg, err := Resolve(opts)
	require.NoError(t, err)
	assert.Empty(t, cfg.Identity.Labels)
}

func TestResolveWatchConfig(t *testing.T) {
	opts := validOptions()
	opts.WatchConfig = true
	_, err := Resolve(opts)
	requireValidationError(t, err, "config_path")

	for _, bad := range []string{"/etc/app/", "conf\x00ig"} {
		opts.ConfigPath = bad
		_, err = Resolve(opts)
		requireValidationError(t, err, "config_path")
	}

	opts.ConfigPath = "/does/not/exist/yet.yaml"
	cfg, err := Resolve(opts)
	require.NoError(t, err)
	assert.True(t, cfg.WatchConfig)
	assert.Equal(t, "/does/not/exist/yet.yaml", cfg.ConfigPath)

	opts.WatchConfig = false
	opts.ConfigPath = ""
	_, err = Resolve(opts)
	assert.NoError(t, err)
}

func TestFromMap(t *testing.T) {
	var captured []logsink.Record
	opts, err := FromMap(map[string]any{
		"access_key_id":     "K",
		"secret_access_key": "S",
		"account":           "acme",
		"project":           "p1",
		"labels":            map[any]any{symbol("env"): "prod", "replicas": 3, "canary": true},
		"watch_config":      false,
		"logger":            func(r logsink.Record) { captured = append(captured, r) },
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "prod", "replicas": "3", "canary": "true"}, opts.Labels)
	require.NotNil(t, opts.Logger)
	opts.Logger.Write(logsink.Record{Message: "x"})
	assert.Len(t, captured, 1)

	_, err = Resolve(opts)
	assert.NoError(t, err)
}

func TestFromMapRejects(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"access_key_id":     "K",
			"secret_access_key": "S",
			"account":           "acme",
			"project":           "p1",
		}
	}
	cases := []struct {
		name  string
		key   string
		value any
		field string
	}{
		{"unknown key", "region", "eu", "region"},
		{"non-string account", "account", 42, "account"},
		{"non-bool watch_config", "watch_config", "yes", "watch_config"},
		{"labels not a map", "labels", []string{"env"}, "labels"},
		{"duplicate coerced key", "labels", map[any]any{"env": "a", symbol("env"): "b"}, "labels[env]"},
		{"non-scalar value", "labels", map[string]any{"env": []int{1}}, "labels[env]"},
		{"bad logger", "logger", 17, "logger"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := base()
			raw[tc.key] = tc.value
			_, err := FromMap(raw)
			requireValidationError(t, err, tc.field)
		})
	}
}

func TestSinkOfSlog(t *testing.T) {
	sink, err := SinkOf(slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, sink)

	_, err = SinkOf(logsink.Discard)
	assert.NoError(t, err)
}
