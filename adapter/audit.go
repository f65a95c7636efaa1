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

package adapter

import (
	"github.com/srediag/instance-client/api"
	"github.com/srediag/instance-client/pkg/logsink"
)

// LogObserver writes every transition to logger, failures at Error and
// everything else at Info.
func LogObserver(logger *logsink.Logger) api.Observer {
	return api.ObserverFunc(func(event api.TransitionEvent) {
		args := []any{
			"instance", event.InstanceID,
			"from", event.From.String(),
			"to", event.To.String(),
			"at", event.Time,
		}
		if event.Err != nil {
			logger.Error("instance transition", append(args, "error", event.Err)...)
			return
		}
		logger.Info("instance transition", args...)
	})
}
