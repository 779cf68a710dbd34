package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters for the booking and payment flows.
type BookingMetrics struct {
	bookingAttempts *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	trustFailures   *prometheus.CounterVec
	reconciliations prometheus.Counter
	expirations     prometheus.Counter
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicbook",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by outcome",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicbook",
			Subsystem: "booking",
			Name:      "state_transitions_total",
			Help:      "Appointment state transitions",
		}, []string{"to"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicbook",
			Subsystem: "payment",
			Name:      "webhook_events_total",
			Help:      "Inbound gateway webhook events by type and outcome",
		}, []string{"event_type", "status"}),
		trustFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicbook",
			Subsystem: "payment",
			Name:      "trust_failures_total",
			Help:      "Rejected callbacks (bad signature, amount mismatch); sustained growth suggests tampering",
		}, []string{"reason"}),
		reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinicbook",
			Subsystem: "payment",
			Name:      "reconciliations_total",
			Help:      "Payments confirmed against an already-terminal appointment",
		}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinicbook",
			Subsystem: "booking",
			Name:      "expirations_total",
			Help:      "Pending appointments expired by the TTL sweep",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingAttempts, m.transitions, m.webhookEvents, m.trustFailures, m.reconciliations, m.expirations)
	return m
}

func (m *BookingMetrics) ObserveBooking(result string) {
	if m == nil {
		return
	}
	m.bookingAttempts.WithLabelValues(result).Inc()
}

func (m *BookingMetrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *BookingMetrics) ObserveWebhook(eventType, status string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, status).Inc()
}

func (m *BookingMetrics) ObserveTrustFailure(reason string) {
	if m == nil {
		return
	}
	m.trustFailures.WithLabelValues(reason).Inc()
}

func (m *BookingMetrics) ObserveReconciliation() {
	if m == nil {
		return
	}
	m.reconciliations.Inc()
}

func (m *BookingMetrics) ObserveExpiration() {
	if m == nil {
		return
	}
	m.expirations.Inc()
}
