// Package runtime implements the Service Runtime (C4): service lifecycle
// (initialize/cleanup under timeout), the method table the Universal
// Dispatcher (C5) resolves local calls against, and the push-metrics sink
// every service writes through. Grounded on internal/core/coordinator.go's
// MessagingCoordinator (ctx/cancel + sync.WaitGroup component supervision,
// reverse-order Close()) generalized from a fixed five-component aggregate
// into a dynamic service registry keyed by name, and on
// internal/core/eventbus.go's bounded-history pattern repurposed from
// generic events to per-metric (value, timestamp) points.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshforge/fabricd/internal/fabric"
)

// MetricsRecorder is the slice of pkg/metrics.Metrics the runtime needs to
// record the per-method call/success/error/duration quadruple (spec
// §4.4); kept minimal and interface-typed so tests can substitute a
// recorder that doesn't touch the process-wide Prometheus registry.
type MetricsRecorder interface {
	MethodCall(service, method string, err error, d time.Duration)
}

// MethodMeta is the per-method metadata the runtime recognizes (spec §4.4).
type MethodMeta struct {
	Description        string
	Public              bool
	RequiresAuth        bool // not read by the runtime; the zero value is false
	CoordinatorOnly     bool
	Idempotent          bool
	CacheTTLSeconds     int
	RateLimitPerMinute  int
	TrackMetrics        bool // Invoke records call metrics only when true; the zero value is false
}

// Handler is the shape every public method exposes to the dispatcher.
type Handler func(ctx context.Context, params []byte) (any, error)

// Method pairs a handler with its declared metadata.
type Method struct {
	Meta    MethodMeta
	Handler Handler
}

// Deps is handed to a service at Initialize time so it can call peers
// through the dispatcher and push metrics, without holding a reference
// back to the Runtime itself (Design Note §9: cyclic ownership is broken
// by injection).
type Deps struct {
	Dispatcher DispatcherProxy
	Metrics    *MetricsSink
}

// DispatcherProxy is the slice of the Universal Dispatcher a service needs
// to call other services/nodes; kept minimal and interface-typed so the
// runtime and dispatcher have no import cycle.
type DispatcherProxy interface {
	Call(ctx context.Context, service, method string, params any) (any, error)
}

// Service is the contract every pluggable unit of the fabric implements.
type Service interface {
	Name() string
	Version() string
	Initialize(ctx context.Context, deps Deps) error
	Cleanup(ctx context.Context) error
	Methods() map[string]Method
}

// GossipView is the slice of the gossip registry (C3) the runtime folds
// service state and metrics into.
type GossipView interface {
	SetServiceDescriptor(name string, desc fabric.ServiceDescriptor)
	RemoveService(name string)
}

// Config tunes lifecycle timeouts (spec §5: initialize/cleanup 30s).
type Config struct {
	InitTimeout    time.Duration
	CleanupTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{InitTimeout: 30 * time.Second, CleanupTimeout: 30 * time.Second}
}

type entry struct {
	svc    Service
	status fabric.ServiceStatus
	sink   *MetricsSink
}

// Runtime owns every locally loaded service, the method table the
// dispatcher resolves local calls against, and the gossip self-record
// updates those services' state changes produce.
type Runtime struct {
	cfg    Config
	gossip GossipView
	logger *zap.Logger
	prom   MetricsRecorder

	mu       sync.Mutex
	services map[string]*entry
	methods  map[string]Method // "service/method" -> Method
}

func New(cfg Config, gossip GossipView, prom MetricsRecorder, logger *zap.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		gossip:   gossip,
		prom:     prom,
		logger:   logger,
		services: make(map[string]*entry),
		methods:  make(map[string]Method),
	}
}

// Load instantiates svc, runs Initialize under Config.InitTimeout, and on
// success registers its public methods and marks it running in gossip
// (spec §4.4 steps 1-3). On failure the service transitions to error and
// is never registered with the dispatcher.
func (r *Runtime) Load(ctx context.Context, svc Service, dispatcher DispatcherProxy) error {
	name := svc.Name()
	sink := newMetricsSink(100)

	initCtx, cancel := context.WithTimeout(ctx, r.cfg.InitTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Initialize(initCtx, Deps{Dispatcher: dispatcher, Metrics: sink}) }()

	var initErr error
	select {
	case initErr = <-errCh:
	case <-initCtx.Done():
		initErr = fmt.Errorf("service %q initialize timed out after %s", name, r.cfg.InitTimeout)
	}

	r.mu.Lock()

	if initErr != nil {
		r.services[name] = &entry{svc: svc, status: fabric.StatusError, sink: sink}
		r.gossip.SetServiceDescriptor(name, fabric.ServiceDescriptor{
			Version: svc.Version(), Status: fabric.StatusError, Description: initErr.Error(),
		})
		if r.logger != nil {
			r.logger.Warn("service initialize failed", zap.String("service", name), zap.Error(initErr))
		}
		r.mu.Unlock()
		return initErr
	}

	methodNames := make([]string, 0, len(svc.Methods()))
	for mName, m := range svc.Methods() {
		if !m.Meta.Public {
			continue
		}
		key := name + "/" + mName
		r.methods[key] = m
		methodNames = append(methodNames, mName)
	}

	r.services[name] = &entry{svc: svc, status: fabric.StatusRunning, sink: sink}
	r.gossip.SetServiceDescriptor(name, fabric.ServiceDescriptor{
		Version: svc.Version(), Status: fabric.StatusRunning, Methods: methodNames,
	})
	sink.onPush = func(p pushedMetric) { r.foldMetric(name, p) }
	r.mu.Unlock()
	r.pushForce(name, "service_status", 1, "gauge")
	return nil
}

// Has reports whether service is loaded and running locally.
func (r *Runtime) Has(service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[service]
	return ok && e.status == fabric.StatusRunning
}

// Lookup resolves "service/method" to its handler for local dispatch.
func (r *Runtime) Lookup(service, method string) (Method, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.services[service]; !ok || e.status != fabric.StatusRunning {
		return Method{}, false
	}
	m, ok := r.methods[service+"/"+method]
	return m, ok
}

// Invoke calls a local method, running the track_metrics counters (spec
// §4.4: method_<m>_calls/success/errors/duration_ms) around the call.
func (r *Runtime) Invoke(ctx context.Context, service, method string, params []byte) (any, error) {
	m, ok := r.Lookup(service, method)
	if !ok {
		return nil, fmt.Errorf("method %s/%s not found", service, method)
	}
	start := time.Now()
	result, err := m.Handler(ctx, params)
	if m.Meta.TrackMetrics && r.prom != nil {
		r.prom.MethodCall(service, method, err, time.Since(start))
	}
	return result, err
}

// Shutdown gracefully stops every loaded service: status -> stopping,
// cleanup under timeout, status -> stopped, method table entries removed
// (spec §4.4 final paragraph).
func (r *Runtime) Shutdown(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.mu.Lock()
		e, ok := r.services[name]
		if ok {
			e.status = fabric.StatusStopping
		}
		r.mu.Unlock()
		if !ok {
			continue
		}

		cleanupCtx, cancel := context.WithTimeout(ctx, r.cfg.CleanupTimeout)
		done := make(chan error, 1)
		go func() { done <- e.svc.Cleanup(cleanupCtx) }()
		select {
		case <-done:
		case <-cleanupCtx.Done():
		}
		cancel()

		r.mu.Lock()
		e.status = fabric.StatusStopped
		for mName := range e.svc.Methods() {
			delete(r.methods, name+"/"+mName)
		}
		r.mu.Unlock()
		r.gossip.RemoveService(name)
	}
}

func (r *Runtime) pushForce(service, name string, value float64, kind string) {
	r.mu.Lock()
	e, ok := r.services[service]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.sink.Push(name, value, kind, true)
}

func (r *Runtime) foldMetric(service string, p pushedMetric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[service]
	if !ok {
		return
	}
	desc := fabric.ServiceDescriptor{Version: e.svc.Version(), Status: e.status, MetricsSummary: map[string]fabric.MetricPoint{}}
	for k, v := range e.sink.Snapshot() {
		desc.MetricsSummary[k] = v
	}
	for mName := range e.svc.Methods() {
		if r.methods[service+"/"+mName].Meta.Public {
			desc.Methods = append(desc.Methods, mName)
		}
	}
	_ = p
	r.gossip.SetServiceDescriptor(service, desc)
}
