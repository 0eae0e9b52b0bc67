// Copyright 2026 The Stealthbp Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shadowbp

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// terminateDrain is how long Terminate waits for in-flight single
// steps to retire before tearing down the Registry.
const terminateDrain = 500 * time.Millisecond

// Config supplies every out-of-scope collaborator the engine needs
// plus ambient settings.
type Config struct {
	SLAT           SLAT
	Translator     AddressTranslator
	GuestMemory    GuestMemory
	VMCS           VMCS
	AddressSpace   AddressSpace
	ThreadIdentity ThreadIdentity
	Allocator      PageAllocator    // defaults to NewPageAllocator()
	Cache          CacheInvalidator // optional; see CacheInvalidator

	// Processors is the number of logical processors to size the
	// per-processor last-event table for. Defaults to runtime.NumCPU().
	Processors int

	Logger *logrus.Logger // defaults to newLogger()
}

func (c *Config) setDefaults() {
	if c.Allocator == nil {
		c.Allocator = NewPageAllocator()
	}
	if c.Processors < 1 {
		c.Processors = runtime.NumCPU()
	}
	if c.Logger == nil {
		c.Logger = newLogger()
	}
}

func (c *Config) validate() error {
	switch {
	case c.SLAT == nil:
		return errors.New("Config.SLAT is required")
	case c.Translator == nil:
		return errors.New("Config.Translator is required")
	case c.GuestMemory == nil:
		return errors.New("Config.GuestMemory is required")
	case c.VMCS == nil:
		return errors.New("Config.VMCS is required")
	case c.AddressSpace == nil:
		return errors.New("Config.AddressSpace is required")
	case c.ThreadIdentity == nil:
		return errors.New("Config.ThreadIdentity is required")
	}
	return nil
}

// Engine is the exposed surface of the stealth breakpoint core. It
// owns the Registry, the ShadowEngine, and the EventHandler, and
// drives the install/start/terminate lifecycle.
type Engine struct {
	cfg      Config
	registry *Registry
	shadow   *ShadowEngine
	handler  *EventHandler
	log      *logrus.Entry
}

// New initializes the engine: it creates the Registry and the empty
// record set and returns success. No shadowing is live until Start.
func New(cfg Config) (*Engine, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "stealthbp: invalid config")
	}

	registry := NewRegistry()
	shadow := NewShadowEngine(cfg.SLAT)
	log := cfg.Logger.WithField("component", "stealthbp")
	handler := NewEventHandler(registry, shadow, cfg.VMCS, cfg.AddressSpace, cfg.ThreadIdentity, cfg.Processors, log)
	handler.SetActive(true)

	return &Engine{
		cfg:      cfg,
		registry: registry,
		shadow:   shadow,
		handler:  handler,
		log:      log,
	}, nil
}

// Start requests the VMM to iterate the Registry and EnableExec every
// record (bulk arm). Called after all static Pre records are
// installed.
func (e *Engine) Start(ctx context.Context) error {
	records := e.registry.Snapshot()
	e.log.WithField("count", len(records)).Info("bulk-enabling shadow breakpoints")
	return e.bulkFanOut(ctx, records, e.shadow.EnableExec)
}

// Terminate requests bulk disable, sleeps briefly to let in-flight
// single-steps retire, then destroys the Registry, releasing every
// PatchRecord and its shadow pages.
func (e *Engine) Terminate(ctx context.Context) {
	records := e.registry.Snapshot()
	e.log.WithField("count", len(records)).Info("bulk-disabling shadow breakpoints")
	if err := e.bulkFanOut(ctx, records, e.shadow.Disable); err != nil {
		e.log.WithError(err).Error("bulk disable encountered errors")
	}

	select {
	case <-time.After(terminateDrain):
	case <-ctx.Done():
	}

	e.handler.SetActive(false)
	e.registry.Clear()
}

// bulkFanOut partitions records across e.cfg.Processors goroutines and
// applies fn to each, sizing concurrent work off the logical processor
// count rather than doing it strictly serially.
func (e *Engine) bulkFanOut(ctx context.Context, records []*PatchRecord, fn func(*PatchRecord) error) error {
	if len(records) == 0 {
		return nil
	}
	workers := e.cfg.Processors
	if workers > len(records) {
		workers = len(records)
	}
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < len(records); i += workers {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				if err := fn(records[i]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
