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
	"context"
	"os"
	"os/signal"

	"github.com/srediag/instance-client/pkg/logsink"
)

// Reloader is what a reload trigger drives. *instance.Instance
// implements it.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ReloadOn reloads target once per value received from trigger until ctx
// is done or trigger is closed. Reload errors are logged and do not stop
// the loop.
func ReloadOn[T any](ctx context.Context, trigger <-chan T, target Reloader, logger *logsink.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-trigger:
			if !ok {
				return
			}
			logger.Info("reload triggered")
			if err := target.Reload(ctx); err != nil {
				logger.Warn("triggered reload failed", "error", err)
			}
		}
	}
}

// ReloadOnSignal runs ReloadOn for the given signals, typically SIGHUP.
func ReloadOnSignal(ctx context.Context, target Reloader, logger *logsink.Logger, sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)
	ReloadOn(ctx, ch, target, logger)
}
