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

// Package sysinfo collects the host facts sent to the coordinator as
// connection parameters.
package sysinfo

import (
	"context"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/host"
)

// Connection parameter keys.
const (
	ParamClient   = "client"
	ParamVersion  = "wrapper_version"
	ParamHostname = "hostname"
	ParamOS       = "os"
	ParamPlatform = "platform"
	ParamKernel   = "kernel"
	ParamArch     = "arch"
)

var (
	hostOnce  sync.Once
	hostFacts map[string]string
)

// ConnectionParams returns the parameters identifying this client and the
// host it runs on. Host lookups are cached for the process lifetime; a
// failed lookup falls back to the runtime's GOOS and GOARCH.
func ConnectionParams(ctx context.Context, version string) map[string]string {
	hostOnce.Do(func() { hostFacts = lookupHost(ctx) })

	params := make(map[string]string, len(hostFacts)+2)
	for k, v := range hostFacts {
		params[k] = v
	}
	params[ParamClient] = "go"
	params[ParamVersion] = version
	return params
}

func lookupHost(ctx context.Context) map[string]string {
	facts := map[string]string{
		ParamOS:   runtime.GOOS,
		ParamArch: runtime.GOARCH,
	}
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return facts
	}
	if info.Hostname != "" {
		facts[ParamHostname] = info.Hostname
	}
	if info.Platform != "" {
		facts[ParamPlatform] = info.Platform
	}
	if info.KernelVersion != "" {
		facts[ParamKernel] = info.KernelVersion
	}
	if info.KernelArch != "" {
		facts[ParamArch] = info.KernelArch
	}
	return facts
}
