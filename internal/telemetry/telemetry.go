// Package telemetry implements the control loop's monitoring publish
// step: every controlloop.Snapshot is exposed as live Prometheus gauges
// (natesales-gpsd-exporter's promauto pattern) and, when configured,
// batched into Elasticsearch via the bulk API (internal/metrics/client.go's
// buffered publisher, adapted onto this package's own flat
// Config.ElasticsearchHosts instead of a nested per-protocol config type).
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/shiwatime/rbdisciplined/internal/controlloop"
	"github.com/shiwatime/rbdisciplined/internal/rbderr"
)

// Config bundles the publisher's Elasticsearch target. Hosts being empty
// disables the Elasticsearch side entirely; the Prometheus gauges always
// run regardless — the monitoring config flag only gates the daemon's
// decision to construct a Publisher at all.
type Config struct {
	ElasticsearchHosts []string
	BufferSize         int
	FlushInterval      time.Duration
}

// DefaultConfig mirrors internal/metrics/client.go's hardcoded buffer
// size (100) and flush cadence (10s).
func DefaultConfig() Config {
	return Config{BufferSize: 100, FlushInterval: 10 * time.Second}
}

// document is one buffered metric row, grounded on
// internal/metrics/client.go's MetricDocument.
type document struct {
	index string
	data  map[string]interface{}
}

// Publisher implements controlloop.Publisher: it records the current
// tick into a set of live gauges and, if an Elasticsearch client was
// constructed, appends a history document to the flush buffer.
type Publisher struct {
	logger *logrus.Logger

	es *elasticsearch.Client

	bufferMu   sync.Mutex
	buffer     []document
	bufferSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	gaugePhaseErrorNs     prometheus.Gauge
	gaugeFineCtrl         prometheus.Gauge
	gaugeCoarseCtrl       prometheus.Gauge
	gaugeTemperatureC     prometheus.Gauge
	gaugeLock             prometheus.Gauge
	gaugeClockClass       *prometheus.GaugeVec
	gaugeConvergence      prometheus.Gauge
	gaugeSatellitesCount  prometheus.Gauge
	gaugeGnssValid        prometheus.Gauge
}

var _ controlloop.Publisher = (*Publisher)(nil)

// New builds a Publisher registered against the default Prometheus
// registry, suitable for one construction per process (cmd/rbdisciplined).
func New(cfg Config, logger *logrus.Logger) *Publisher {
	return newWithRegisterer(cfg, logger, prometheus.DefaultRegisterer)
}

// newWithRegisterer builds a Publisher against an explicit registerer, so
// tests can construct multiple Publishers without colliding on
// promauto's default registry.
func newWithRegisterer(cfg Config, logger *logrus.Logger, reg prometheus.Registerer) *Publisher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	factory := promauto.With(reg)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		logger:     logger,
		bufferSize: cfg.BufferSize,
		ctx:        ctx,
		cancel:     cancel,

		gaugePhaseErrorNs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rbdisciplined_phase_error_ns",
			Help: "Last observed phase error between the PHC and the rubidium oscillator, in nanoseconds.",
		}),
		gaugeFineCtrl: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rbdisciplined_fine_ctrl",
			Help: "Current fine DAC setpoint applied to the oscillator.",
		}),
		gaugeCoarseCtrl: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rbdisciplined_coarse_ctrl",
			Help: "Current coarse DAC setpoint applied to the oscillator.",
		}),
		gaugeTemperatureC: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rbdisciplined_temperature_celsius",
			Help: "Last reported oscillator temperature, in degrees Celsius.",
		}),
		gaugeLock: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rbdisciplined_oscillator_lock",
			Help: "1 if the oscillator reports phase lock, 0 otherwise.",
		}),
		gaugeClockClass: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rbdisciplined_clock_class",
			Help: "1 for the currently reported clock class, 0 for all others.",
		}, []string{"class"}),
		gaugeConvergence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rbdisciplined_convergence_progress",
			Help: "Disciplining convergence progress, 0 to 1.",
		}),
		gaugeSatellitesCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rbdisciplined_gnss_satellites",
			Help: "Satellites used in the last GNSS fix.",
		}),
		gaugeGnssValid: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rbdisciplined_gnss_valid",
			Help: "1 if the GNSS reference is currently valid, 0 otherwise.",
		}),
	}

	if len(cfg.ElasticsearchHosts) > 0 {
		es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: cfg.ElasticsearchHosts})
		if err != nil {
			logger.WithError(err).Warn("telemetry: failed to construct elasticsearch client, continuing gauges-only")
		} else if err := ping(es); err != nil {
			logger.WithError(err).Warn("telemetry: failed to reach elasticsearch, continuing gauges-only")
		} else {
			p.es = es
			p.wg.Add(1)
			go p.flushLoop(cfg.FlushInterval)
		}
	}

	return p
}

func ping(es *elasticsearch.Client) error {
	res, err := es.Info()
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return rbderr.New(rbderr.DeviceIO, "telemetry.ping", "elasticsearch returned %s", res.Status())
	}
	return nil
}

// Close stops the flush loop and drains any remaining buffered
// documents, mirroring internal/metrics/client.go's Stop.
func (p *Publisher) Close() error {
	p.cancel()
	p.flush()
	p.wg.Wait()
	return nil
}

// Publish implements controlloop.Publisher.
func (p *Publisher) Publish(s controlloop.Snapshot) {
	p.gaugePhaseErrorNs.Set(float64(s.PhaseErrorNs))
	p.gaugeFineCtrl.Set(float64(s.Telemetry.FineCtrl))
	p.gaugeCoarseCtrl.Set(float64(s.Telemetry.CoarseCtrl))
	p.gaugeTemperatureC.Set(s.Telemetry.Temperature)
	p.gaugeSatellitesCount.Set(float64(s.Epoch.SatellitesCount))
	p.gaugeConvergence.Set(float64(s.DisciplingStatus.ConvergenceProgress))

	if s.Telemetry.Lock {
		p.gaugeLock.Set(1)
	} else {
		p.gaugeLock.Set(0)
	}
	if s.Epoch.Valid() {
		p.gaugeGnssValid.Set(1)
	} else {
		p.gaugeGnssValid.Set(0)
	}

	p.gaugeClockClass.Reset()
	p.gaugeClockClass.WithLabelValues(s.DisciplingStatus.ClockClass.String()).Set(1)

	if p.es == nil {
		return
	}

	p.bufferMu.Lock()
	p.buffer = append(p.buffer, document{
		index: "rbdisciplined-tick",
		data: map[string]interface{}{
			"@timestamp":        time.Now().UTC(),
			"phase_error_ns":    s.PhaseErrorNs,
			"fine_ctrl":         s.Telemetry.FineCtrl,
			"coarse_ctrl":       s.Telemetry.CoarseCtrl,
			"temperature_c":     s.Telemetry.Temperature,
			"lock":              s.Telemetry.Lock,
			"clock_class":       s.DisciplingStatus.ClockClass.String(),
			"status":            s.DisciplingStatus.Status.String(),
			"convergence":       s.DisciplingStatus.ConvergenceProgress,
			"gnss_valid":        s.Epoch.Valid(),
			"satellites_count":  s.Epoch.SatellitesCount,
		},
	})
	shouldFlush := len(p.buffer) >= p.bufferSize
	p.bufferMu.Unlock()

	if shouldFlush {
		go p.flush()
	}
}

func (p *Publisher) flushLoop(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.flush()
		}
	}
}

func (p *Publisher) flush() {
	p.bufferMu.Lock()
	if len(p.buffer) == 0 {
		p.bufferMu.Unlock()
		return
	}
	docs := make([]document, len(p.buffer))
	copy(docs, p.buffer)
	p.buffer = p.buffer[:0]
	p.bufferMu.Unlock()

	if err := p.sendBatch(docs); err != nil {
		p.logger.WithError(err).Warn("telemetry: failed to send metrics batch")
		p.bufferMu.Lock()
		p.buffer = append(docs, p.buffer...)
		p.bufferMu.Unlock()
	}
}

func (p *Publisher) sendBatch(docs []document) error {
	var buf bytes.Buffer
	for _, doc := range docs {
		index := fmt.Sprintf("%s-%s", doc.index, time.Now().Format("2006.01.02"))
		meta, err := json.Marshal(map[string]interface{}{"index": map[string]interface{}{"_index": index}})
		if err != nil {
			return err
		}
		body, err := json.Marshal(doc.data)
		if err != nil {
			return err
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(body)
		buf.WriteByte('\n')
	}

	req := esapi.BulkRequest{Body: strings.NewReader(buf.String())}
	res, err := req.Do(p.ctx, p.es)
	if err != nil {
		return rbderr.Wrap(rbderr.DeviceIO, "telemetry.sendBatch", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return rbderr.New(rbderr.DeviceIO, "telemetry.sendBatch", "bulk request returned %s", res.Status())
	}

	var response struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return rbderr.Wrap(rbderr.DeviceIO, "telemetry.sendBatch", err)
	}
	if response.Errors {
		p.logger.Warn("telemetry: some documents in bulk request failed")
	}
	return nil
}
