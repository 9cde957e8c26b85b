package telemetry

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"reflect"

	"github.com/gorilla/mux"
	prometheus2 "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/exporters/prometheus"
	metric2 "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

const defaultEndpoint = "/metrics"

// MockAppMetrics mocks the AppMetrics interface
type MockAppMetrics struct {
	GetMeterFunc     func() metric2.Meter
	CloseFunc        func() error
	ExposeFunc       func(ctx context.Context, port int, endpoint string) error
	StoreMetricsFunc func() *StoreMetrics
	FleetMetricsFunc func() *FleetMetrics
}

// GetMeter mocks the GetMeter function of the AppMetrics interface
func (mock *MockAppMetrics) GetMeter() metric2.Meter {
	if mock.GetMeterFunc != nil {
		return mock.GetMeterFunc()
	}
	return nil
}

// Close mocks the Close function of the AppMetrics interface
func (mock *MockAppMetrics) Close() error {
	if mock.CloseFunc != nil {
		return mock.CloseFunc()
	}
	return fmt.Errorf("unimplemented")
}

// Expose mocks the Expose function of the AppMetrics interface
func (mock *MockAppMetrics) Expose(ctx context.Context, port int, endpoint string) error {
	if mock.ExposeFunc != nil {
		return mock.ExposeFunc(ctx, port, endpoint)
	}
	return fmt.Errorf("unimplemented")
}

// StoreMetrics mocks the StoreMetrics function of the AppMetrics interface
func (mock *MockAppMetrics) StoreMetrics() *StoreMetrics {
	if mock.StoreMetricsFunc != nil {
		return mock.StoreMetricsFunc()
	}
	return nil
}

// FleetMetrics mocks the FleetMetrics function of the AppMetrics interface
func (mock *MockAppMetrics) FleetMetrics() *FleetMetrics {
	if mock.FleetMetricsFunc != nil {
		return mock.FleetMetricsFunc()
	}
	return nil
}

// AppMetrics is metrics interface
type AppMetrics interface {
	GetMeter() metric2.Meter
	Close() error
	Expose(ctx context.Context, port int, endpoint string) error
	StoreMetrics() *StoreMetrics
	FleetMetrics() *FleetMetrics
}

// defaultAppMetrics are core application metrics based on OpenTelemetry https://opentelemetry.io/
type defaultAppMetrics struct {
	// Meter can be used by different application parts to create counters and measure things
	Meter        metric2.Meter
	listener     net.Listener
	ctx          context.Context
	storeMetrics *StoreMetrics
	fleetMetrics *FleetMetrics
}

// StoreMetrics returns metrics for the store
func (appMetrics *defaultAppMetrics) StoreMetrics() *StoreMetrics {
	return appMetrics.storeMetrics
}

// FleetMetrics returns metrics for the orchestration loops
func (appMetrics *defaultAppMetrics) FleetMetrics() *FleetMetrics {
	return appMetrics.fleetMetrics
}

// Close stop application metrics HTTP handler and closes listener.
func (appMetrics *defaultAppMetrics) Close() error {
	if appMetrics.listener == nil {
		return nil
	}
	return appMetrics.listener.Close()
}

// Expose metrics on a given port and endpoint. If endpoint is empty a defaultEndpoint one will be used.
// Exposes metrics in the Prometheus format https://prometheus.io/
func (appMetrics *defaultAppMetrics) Expose(ctx context.Context, port int, endpoint string) error {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	rootRouter := mux.NewRouter()
	rootRouter.Handle(endpoint, promhttp.HandlerFor(
		prometheus2.DefaultGatherer,
		promhttp.HandlerOpts{EnableOpenMetrics: true}))
	listener, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	appMetrics.listener = listener
	go func() {
		if err := http.Serve(listener, rootRouter); err != nil && err != http.ErrServerClosed {
			log.WithContext(ctx).Errorf("metrics server error: %v", err)
		}
		log.WithContext(ctx).Info("metrics server stopped")
	}()

	log.WithContext(ctx).Infof("enabled application metrics and exposing on http://%s", listener.Addr().String())

	return nil
}

// GetMeter returns metrics meter that can be used to add various counters
func (appMetrics *defaultAppMetrics) GetMeter() metric2.Meter {
	return appMetrics.Meter
}

// NewDefaultAppMetrics and expose them via defaultEndpoint on a given HTTP port
func NewDefaultAppMetrics(ctx context.Context) (AppMetrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	pkg := reflect.TypeOf(defaultEndpoint).PkgPath()
	meter := provider.Meter(pkg)

	return newAppMetrics(ctx, meter)
}

// NewTestAppMetrics builds metrics on a private meter provider that is never exported
func NewTestAppMetrics(ctx context.Context) (AppMetrics, error) {
	provider := metric.NewMeterProvider()
	return newAppMetrics(ctx, provider.Meter("test"))
}

func newAppMetrics(ctx context.Context, meter metric2.Meter) (AppMetrics, error) {
	storeMetrics, err := NewStoreMetrics(ctx, meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store metrics: %w", err)
	}

	fleetMetrics, err := NewFleetMetrics(ctx, meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fleet metrics: %w", err)
	}

	return &defaultAppMetrics{
		Meter:        meter,
		ctx:          ctx,
		storeMetrics: storeMetrics,
		fleetMetrics: fleetMetrics,
	}, nil
}
