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

package instance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
)

// DefaultStopWorkers bounds how many instances StopAll stops at once.
const DefaultStopWorkers = 8

// ErrNoInstances is reported by Ready when nothing is registered.
var ErrNoInstances = errors.New("no live instances")

// Registry tracks live instances by id. Instances join it through
// WithRegistry and leave it when they reach a terminal state.
type Registry struct {
	instances cmap.ConcurrentMap[string, *Instance]
	workers   int
}

// NewRegistry returns an empty Registry. workers <= 0 uses
// DefaultStopWorkers.
func NewRegistry(workers int) *Registry {
	if workers <= 0 {
		workers = DefaultStopWorkers
	}
	return &Registry{instances: cmap.New[*Instance](), workers: workers}
}

func (r *Registry) add(in *Instance) { r.instances.Set(in.id, in) }

func (r *Registry) remove(id string) { r.instances.Remove(id) }

// Get returns the instance registered under id.
func (r *Registry) Get(id string) (*Instance, bool) { return r.instances.Get(id) }

// Len returns the number of live instances.
func (r *Registry) Len() int { return r.instances.Count() }

// List returns the live instances ordered by id.
func (r *Registry) List() []*Instance {
	items := r.instances.Items()
	list := make([]*Instance, 0, len(items))
	for _, in := range items {
		list = append(list, in)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// Ready returns nil when at least one instance is registered and every
// registered instance passes its readiness check.
func (r *Registry) Ready() error {
	list := r.List()
	if len(list) == 0 {
		return ErrNoInstances
	}
	var waiting []string
	for _, in := range list {
		if err := in.ReadinessCheck(); err != nil {
			waiting = append(waiting, in.id+": "+err.Error())
		}
	}
	if len(waiting) > 0 {
		return fmt.Errorf("instances not ready: %s", strings.Join(waiting, "; "))
	}
	return nil
}

// StopAll stops every live instance on a bounded worker pool and waits
// for all of them. Errors are joined.
func (r *Registry) StopAll(ctx context.Context) error {
	list := r.List()
	if len(list) == 0 {
		return nil
	}
	pool, err := ants.NewPool(min(r.workers, len(list)))
	if err != nil {
		return fmt.Errorf("creating stop pool: %w", err)
	}
	defer pool.Release()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	record := func(id string, err error) {
		mu.Lock()
		errs = append(errs, fmt.Errorf("stopping %s: %w", id, err))
		mu.Unlock()
	}
	for _, in := range list {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if err := in.Stop(ctx); err != nil {
				record(in.id, err)
			}
		}); err != nil {
			wg.Done()
			record(in.id, err)
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}
