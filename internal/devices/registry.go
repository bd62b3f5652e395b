// Package devices keeps an inventory of the capture backend's input
// devices, announces it on the bus, and answers list requests.
package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxpadlabs/voxpad-core/internal/bus"
	"github.com/voxpadlabs/voxpad-core/internal/capture"
	"github.com/voxpadlabs/voxpad-core/internal/config"
	"github.com/voxpadlabs/voxpad-core/internal/protocol"
)

// scanTimeout bounds one enumeration pass. PortAudio can stall on
// misbehaving hosts.
const scanTimeout = 10 * time.Second

// Registry rescans the backend on an interval and serves the device
// inventory over the bus.
type Registry struct {
	cfg     config.DevicesConfig
	backend capture.Backend
	bus     *bus.Client
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *nats.Subscription

	mu      sync.RWMutex
	devices []capture.Device
	scanned time.Time

	meter metric.Meter
	gauge metric.Int64ObservableGauge

	clock func() time.Time
}

func NewRegistry(parent context.Context, cfg config.DevicesConfig, backend capture.Backend, busClient *bus.Client, log *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		cfg:     cfg,
		backend: backend,
		bus:     busClient,
		log:     log.With(slog.String("component", "devices")),
		ctx:     ctx,
		cancel:  cancel,
		meter:   otel.Meter("github.com/voxpadlabs/voxpad-core/runtime"),
		clock:   time.Now,
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

// Start performs the initial scan, subscribes the list subject, and
// begins the rescan loop when announcements are enabled.
func (r *Registry) Start() error {
	if err := r.rescan(); err != nil {
		r.log.Warn("initial device scan failed", slog.String("error", err.Error()))
	}

	sub, err := r.bus.Conn().Subscribe(protocol.SubjectDeviceList, r.handleList)
	if err != nil {
		return fmt.Errorf("subscribe device list: %w", err)
	}
	r.sub = sub

	if r.cfg.Announce {
		r.announce()
		r.wg.Add(1)
		go r.run()
	}
	return nil
}

func (r *Registry) Close() {
	r.cancel()
	if r.sub != nil {
		_ = r.sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) Healthy() bool {
	return r.ctx.Err() == nil
}

// Devices returns the last scanned inventory.
func (r *Registry) Devices() []capture.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]capture.Device(nil), r.devices...)
}

func (r *Registry) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.RescanIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.rescan(); err != nil {
				r.log.Warn("device rescan failed", slog.String("error", err.Error()))
				continue
			}
			r.announce()
		}
	}
}

func (r *Registry) rescan() error {
	ctx, cancel := context.WithTimeout(r.ctx, scanTimeout)
	defer cancel()

	found, err := r.backend.Devices(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.devices = found
	r.scanned = r.clock().UTC()
	r.mu.Unlock()

	r.log.Debug("devices scanned", slog.Int("count", len(found)))
	return nil
}

func (r *Registry) announce() {
	msg := r.snapshot()
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Warn("failed to marshal device announce", slog.String("error", err.Error()))
		return
	}
	if err := r.bus.Conn().Publish(protocol.SubjectDeviceAnnounce, data); err != nil {
		r.log.Warn("failed to publish device announce", slog.String("error", err.Error()))
	}
}

func (r *Registry) handleList(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r.snapshot())
	if err != nil {
		r.log.Warn("failed to marshal device list", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.log.Warn("failed to respond to device list", slog.String("error", err.Error()))
	}
}

func (r *Registry) snapshot() protocol.DeviceList {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := protocol.DeviceList{Timestamp: r.scanned}
	for _, d := range r.devices {
		list.Devices = append(list.Devices, protocol.Device{
			ID:         d.ID,
			Name:       d.Name,
			SampleRate: d.SampleRate,
			Channels:   d.Channels,
			Default:    d.Default,
		})
	}
	return list
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("voxpad.devices.available", metric.WithDescription("Input devices visible to the capture backend"))
	if err != nil {
		return err
	}
	r.gauge = gauge
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		count := int64(len(r.devices))
		r.mu.RUnlock()
		obs.ObserveInt64(gauge, count)
		return nil
	}, gauge)
	return err
}
