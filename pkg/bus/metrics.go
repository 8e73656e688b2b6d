package bus

import (
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/openkore/busbridge/pkg/metricsx"
)

// Metrics holds the router and connection counters exposed on the admin
// HTTP server's /metrics endpoint. All fields are initialized together by
// NewMetrics so none are ever nil once constructed.
type Metrics struct {
	set *metrics.Set

	identified     *metrics.Counter
	helloDuplicate *metrics.Counter
	listClients    *metrics.Counter

	unicastDelivered *metrics.Counter
	unicastNotFound  *metrics.Counter
	unicastFailed    *metrics.Counter

	broadcastDelivered *metrics.Counter

	webhookSent   *metrics.Counter
	webhookFailed *metrics.Counter

	connectionsAccepted *metrics.Counter
	connectionsActive   *metrics.Gauge
}

var (
	metricsOnce sync.Once
	metricsObj  Metrics
)

// NewMetrics returns the process-wide bus metrics set, creating it on first
// use. A single *metrics.Set is shared across every Router and Listener in
// the process, matching Prometheus convention that a counter is a single
// time series, not one per component instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		mo := &metricsObj
		mo.set = metrics.NewSet()

		mo.identified = mo.set.NewCounter(`busbridge_router_identify_total{result="success"}`)
		mo.helloDuplicate = mo.set.NewCounter(`busbridge_router_identify_total{result="reject_duplicate_hello"}`)
		mo.listClients = mo.set.NewCounter(`busbridge_router_list_clients_total`)

		mo.unicastDelivered = mo.set.NewCounter(`busbridge_router_unicast_total{result="success"}`)
		mo.unicastNotFound = mo.set.NewCounter(`busbridge_router_unicast_total{result="reject_client_not_found"}`)
		mo.unicastFailed = mo.set.NewCounter(`busbridge_router_unicast_total{result="fail_delivery_failed"}`)

		mo.broadcastDelivered = mo.set.NewCounter(`busbridge_router_broadcast_deliveries_total`)

		mo.webhookSent = mo.set.NewCounter(`busbridge_router_webhook_divert_total{result="success"}`)
		mo.webhookFailed = mo.set.NewCounter(`busbridge_router_webhook_divert_total{result="fail_other_error"}`)

		mo.connectionsAccepted = mo.set.NewCounter(`busbridge_listener_connections_accepted_total`)
		mo.connectionsActive = mo.set.NewGauge(`busbridge_listener_connections_active`, nil)
	})

	// ensure we initialized everything
	var chk func(v reflect.Value, name string)
	chk = func(v reflect.Value, name string) {
		switch v.Kind() {
		case reflect.Struct:
			for i := 0; i < v.NumField(); i++ {
				chk(v.Field(i), name+"."+v.Type().Field(i).Name)
			}
		case reflect.Pointer, reflect.Func:
			if v.IsNil() {
				panic(fmt.Errorf("check metrics: unexpected nil %q", name))
			}
		}
	}
	chk(reflect.ValueOf(metricsObj), "metricsObj")

	return &metricsObj
}

// WritePrometheus writes the bus metrics in Prometheus exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// dropped returns the counter tracking reserved message ids a client sent
// that the router refuses to forward, split out per id since the set of
// reserved ids is small and fixed.
func (m *Metrics) dropped(messageID string) *metrics.Counter {
	name := metricsx.Name("busbridge_router_dropped_total", `result="reject_reserved_message_id"`, "message_id", messageID)
	return m.set.GetOrCreateCounter(name)
}
