package mbox

import "github.com/prometheus/client_golang/prometheus"

// Collector records operational events for a Mailbox, mirroring the
// optional, nil-safe collector style the consuming POP3 session layer
// already uses for its own metrics. A nil Collector is a no-op: every
// Mailbox method call site checks for nil before reporting.
type Collector interface {
	IndexRebuilt()
	IndexCorruptionDetected()
	Expunged(messagesRemoved int)
}

// PrometheusCollector implements Collector with Prometheus counters.
type PrometheusCollector struct {
	indexRebuildsTotal     prometheus.Counter
	indexCorruptionsTotal  prometheus.Counter
	expungeOperationsTotal prometheus.Counter
	expungedMessagesTotal  prometheus.Counter
}

// NewPrometheusCollector creates and registers the mbox package's
// counters against reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		indexRebuildsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msgstore_mbox_index_rebuilds_total",
			Help: "Total number of times a mailbox's .gidx search index was rebuilt from the mbox file.",
		}),
		indexCorruptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msgstore_mbox_index_corruptions_total",
			Help: "Total number of times a .gidx file failed validation and triggered a rebuild.",
		}),
		expungeOperationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msgstore_mbox_expunge_operations_total",
			Help: "Total number of Mailbox.Expunge calls.",
		}),
		expungedMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msgstore_mbox_expunged_messages_total",
			Help: "Total number of messages physically removed by Expunge.",
		}),
	}
	reg.MustRegister(
		c.indexRebuildsTotal,
		c.indexCorruptionsTotal,
		c.expungeOperationsTotal,
		c.expungedMessagesTotal,
	)
	return c
}

func (c *PrometheusCollector) IndexRebuilt()            { c.indexRebuildsTotal.Inc() }
func (c *PrometheusCollector) IndexCorruptionDetected() { c.indexCorruptionsTotal.Inc() }
func (c *PrometheusCollector) Expunged(messagesRemoved int) {
	c.expungeOperationsTotal.Inc()
	c.expungedMessagesTotal.Add(float64(messagesRemoved))
}
