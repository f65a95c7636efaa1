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

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/srediag/instance-client/pkg/identity"
)

// SecretEnv overrides secret_access_key from the options file.
const SecretEnv = "INSTANCE_SECRET_ACCESS_KEY"

// loadOptions reads identity options from a YAML file. Unknown keys are
// rejected.
func loadOptions(path string) (identity.Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return identity.Options{}, fmt.Errorf("reading options: %w", err)
	}
	opts, err := decodeOptions(data)
	if err != nil {
		return identity.Options{}, fmt.Errorf("%s: %w", path, err)
	}
	if secret := os.Getenv(SecretEnv); secret != "" {
		opts.SecretAccessKey = secret
	}
	return opts, nil
}

func decodeOptions(data []byte) (identity.Options, error) {
	var opts identity.Options
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&opts); err != nil {
		if errors.Is(err, io.EOF) {
			return identity.Options{}, errors.New("empty options file")
		}
		return identity.Options{}, err
	}
	return opts, nil
}
