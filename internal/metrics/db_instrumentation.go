package metrics

import (
	"time"
)

// MeasureDBQuery wraps a database operation with timing instrumentation.
//
//	defer metrics.MeasureDBQuery(m, "lock_payment", "postgres")()
func MeasureDBQuery(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.ObserveDBQuery(operation, backend, time.Since(start))
	}
}

// MeasureGatewayCall times an outbound call; pass the call's error to the returned func.
//
//	done := metrics.MeasureGatewayCall(m, "crypto_pay", "create_invoice")
//	inv, err := client.CreateInvoice(ctx, req)
//	done(err)
func MeasureGatewayCall(m *Metrics, gateway, operation string) func(error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		m.ObserveGatewayCall(gateway, operation, time.Since(start), err)
	}
}
