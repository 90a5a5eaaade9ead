package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ebusgw/ebusd/ebus"
)

// pollInterval is how often BusCollector re-samples the live counters; the
// protocol counters themselves are updated inline on every telegram, so this
// only governs Prometheus export staleness.
const pollInterval = time.Second

// Sources bundles the live collaborators BusCollector samples from. Any
// field may be nil, in which case the metrics it would feed stay at zero.
type Sources struct {
	Counter   *ebus.Counter
	Scheduler interface{ QueueDepth() int }
	Store     interface {
		ActiveCount() int
		PassiveCount() int
	}
}

// BusCollector periodically samples Sources into a fixed set of Prometheus
// gauges/counters. Returns nil if metrics are disabled (InitRegistry not
// called), mirroring the teacher's nil-safe metrics constructors.
type BusCollector struct {
	src Sources

	total          prometheus.Gauge
	success        prometheus.Gauge
	successPercent prometheus.Gauge
	failure        prometheus.Gauge
	failurePercent prometheus.Gauge
	byType         *prometheus.GaugeVec
	arbitration    *prometheus.GaugeVec
	failureMaster  *prometheus.GaugeVec
	failureSlave   *prometheus.GaugeVec

	queueDepth    prometheus.Gauge
	activeCmds    prometheus.Gauge
	passiveCmds   prometheus.Gauge
}

// NewBusCollector registers bus-protocol gauges on the process-wide
// registry. Returns nil if metrics are not enabled.
func NewBusCollector(src Sources) *BusCollector {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &BusCollector{
		src: src,
		total: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ebusd_telegrams_total",
			Help: "Total number of telegrams observed since the last counter reset.",
		}),
		success: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ebusd_telegrams_success_total",
			Help: "Number of successfully decoded telegrams.",
		}),
		successPercent: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ebusd_telegrams_success_percent",
			Help: "Success rate of decoded telegrams, as a percentage.",
		}),
		failure: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ebusd_telegrams_failure_total",
			Help: "Number of telegrams that failed to decode.",
		}),
		failurePercent: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ebusd_telegrams_failure_percent",
			Help: "Failure rate of decoded telegrams, as a percentage.",
		}),
		byType: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "ebusd_telegrams_by_type_total",
			Help: "Successful telegrams by class (ms, mm, bc).",
		}, []string{"type"}),
		arbitration: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "ebusd_arbitration_total",
			Help: "Arbitration outcomes (won, lost, error, restart, late, first_round, second_round).",
		}, []string{"outcome"}),
		failureMaster: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "ebusd_master_errors_total",
			Help: "Master-half parse failures by state code.",
		}, []string{"state"}),
		failureSlave: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "ebusd_slave_errors_total",
			Help: "Slave-half parse failures by state code.",
		}, []string{"state"}),
		queueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ebusd_scheduler_queue_depth",
			Help: "Number of jobs waiting in the scheduler's priority queue.",
		}),
		activeCmds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ebusd_commands_active",
			Help: "Number of configured active (polled) commands.",
		}),
		passiveCmds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "ebusd_commands_passive",
			Help: "Number of configured passive (snooped) commands.",
		}),
	}
}

// Run samples Sources on every pollInterval tick until ctx is canceled.
func (c *BusCollector) Run(ctx context.Context) error {
	if c == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *BusCollector) sample() {
	if cnt := c.src.Counter; cnt != nil {
		c.total.Set(float64(cnt.Total))
		c.success.Set(float64(cnt.Success))
		c.successPercent.Set(cnt.SuccessPercent)
		c.failure.Set(float64(cnt.Failure))
		c.failurePercent.Set(cnt.FailurePercent)

		c.byType.WithLabelValues("ms").Set(float64(cnt.SuccessMS))
		c.byType.WithLabelValues("mm").Set(float64(cnt.SuccessMM))
		c.byType.WithLabelValues("bc").Set(float64(cnt.SuccessBC))

		c.arbitration.WithLabelValues("first_round").Set(float64(cnt.ArbitrationFirstRound))
		c.arbitration.WithLabelValues("second_round").Set(float64(cnt.ArbitrationSecondRound))
		c.arbitration.WithLabelValues("won").Set(float64(cnt.ArbitrationWon))
		c.arbitration.WithLabelValues("lost").Set(float64(cnt.ArbitrationLost))
		c.arbitration.WithLabelValues("error").Set(float64(cnt.ArbitrationError))
		c.arbitration.WithLabelValues("restart").Set(float64(cnt.ArbitrationRestart))
		c.arbitration.WithLabelValues("late").Set(float64(cnt.ArbitrationLate))

		for state, n := range cnt.FailureMaster {
			c.failureMaster.WithLabelValues(strconv.Itoa(int(state))).Set(float64(n))
		}
		for state, n := range cnt.FailureSlave {
			c.failureSlave.WithLabelValues(strconv.Itoa(int(state))).Set(float64(n))
		}
	}

	if c.src.Scheduler != nil {
		c.queueDepth.Set(float64(c.src.Scheduler.QueueDepth()))
	}
	if c.src.Store != nil {
		c.activeCmds.Set(float64(c.src.Store.ActiveCount()))
		c.passiveCmds.Set(float64(c.src.Store.PassiveCount()))
	}
}
