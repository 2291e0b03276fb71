package gputrack

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benchpulse/benchpulse/internal/telemetry"
)

const (
	defaultPollInterval     = time.Second
	defaultMediumRefresh    = 3 * time.Second
	defaultMediumStaleAfter = 6 * time.Second
	defaultFailureThreshold = 5
	defaultRecoveryCooldown = 10 * time.Second
)

// Config describes the collector.
type Config struct {
	SysfsRoot   string
	DebugfsRoot string

	// Card pins the collector to a DRM card id. Empty means take the
	// first discovered card.
	Card string

	PollInterval     time.Duration
	MediumRefresh    time.Duration
	MediumStaleAfter time.Duration
	FailureThreshold int
	RecoveryCooldown time.Duration

	Logger *slog.Logger
}

// Snapshot is the collector's provider cache content.
type Snapshot struct {
	UpdatedAt time.Time
	GPU       telemetry.GPUMetrics
}

type lifecycle int

const (
	lifecycleIdle lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

// Collector polls GPU telemetry on two tiers. The high tier runs every
// tick; the medium tier refreshes on its own cadence and its cached
// values stop being reported once they pass the staleness bound. A
// snapshot is published on every tick, all-nil when the device is
// unavailable, so consumers always see the collector's current view.
type Collector struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// Touched only from the poll goroutine (or directly in tests).
	reader    *Reader
	static    StaticInfo
	hasStatic bool

	medium   MediumFrequency
	mediumAt time.Time

	consecutiveFailures int
	cooldownUntil       time.Time
	unavailableLogged   bool

	mu       sync.Mutex
	state    lifecycle
	cache    Snapshot
	hasCache bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an idle collector. Device discovery is deferred to the
// first poll so a missing GPU is a runtime condition, not a
// construction error.
func New(cfg Config) *Collector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MediumRefresh <= 0 {
		cfg.MediumRefresh = defaultMediumRefresh
	}
	if cfg.MediumStaleAfter <= 0 {
		cfg.MediumStaleAfter = defaultMediumStaleAfter
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.RecoveryCooldown <= 0 {
		cfg.RecoveryCooldown = defaultRecoveryCooldown
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Collector{
		cfg:    cfg,
		logger: logger.With("component", "gpu_collector"),
		now:    time.Now,
	}
}

// Start begins polling. A missing or unreadable device does not fail
// Start; the collector publishes empty snapshots until it recovers.
func (c *Collector) Start() error {
	c.mu.Lock()
	if c.state == lifecycleRunning {
		c.mu.Unlock()
		return fmt.Errorf("gputrack: already running")
	}
	c.state = lifecycleRunning
	c.cache = Snapshot{}
	c.hasCache = false
	// The medium tier and the failure streak belong to the previous
	// run; a fresh start must not re-report readings taken before it.
	c.medium = MediumFrequency{}
	c.mediumAt = time.Time{}
	c.cooldownUntil = time.Time{}
	c.consecutiveFailures = 0
	c.unavailableLogged = false
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stop, done := c.stopCh, c.doneCh
	c.mu.Unlock()

	go c.pollLoop(stop, done)
	return nil
}

// Stop terminates polling. Idempotent.
func (c *Collector) Stop() error {
	c.mu.Lock()
	if c.state != lifecycleRunning {
		c.mu.Unlock()
		return nil
	}
	c.state = lifecycleStopped
	stop, done := c.stopCh, c.doneCh
	c.mu.Unlock()

	close(stop)
	<-done
	return nil
}

// Latest returns a copy of the provider cache.
func (c *Collector) Latest() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache, c.hasCache
}

// ConsecutiveFailures reports the current failed-tick streak.
func (c *Collector) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures
}

// CardID reports the bound card, empty until discovery succeeds.
func (c *Collector) CardID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return ""
	}
	return c.reader.CardID()
}

func (c *Collector) pollLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	c.pollOnce(c.now())

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			c.pollOnce(now)
		}
	}
}

// pollOnce runs one tick: attach to the device if needed, read the
// high tier, refresh the medium tier on its cadence, and publish.
func (c *Collector) pollOnce(now time.Time) {
	inCooldown := now.Before(c.cooldownUntil)

	if c.reader == nil && !inCooldown {
		c.attach()
	}

	var high HighFrequency
	if c.reader != nil && !inCooldown {
		high = c.reader.ReadHighFrequency()
		if high.Empty() {
			c.recordFailure(now)
		} else {
			c.mu.Lock()
			c.consecutiveFailures = 0
			c.mu.Unlock()

			if c.mediumAt.IsZero() || now.Sub(c.mediumAt) >= c.cfg.MediumRefresh {
				c.medium = c.reader.ReadMediumFrequency()
				c.mediumAt = now
			}
		}
	}

	snapshot := Snapshot{UpdatedAt: now}
	applyHigh(&snapshot.GPU, high)

	// Cached medium values are reported only while fresh. Once the
	// cache ages past the bound the fields drop back to nil rather
	// than presenting stale readings as current.
	if !c.mediumAt.IsZero() && now.Sub(c.mediumAt) < c.cfg.MediumStaleAfter {
		applyMedium(&snapshot.GPU, c.medium)
	}
	if c.hasStatic {
		applyStatic(&snapshot.GPU, c.static)
	}

	c.mu.Lock()
	c.cache = snapshot
	c.hasCache = true
	c.mu.Unlock()
}

// attach discovers the card, builds the reader and loads static info.
func (c *Collector) attach() {
	card := c.cfg.Card
	if card == "" {
		cards, err := Discover(c.cfg.SysfsRoot, c.logger)
		if err != nil || len(cards) == 0 {
			c.logUnavailable("no DRM card found", err)
			return
		}
		card = cards[0]
	}

	reader, err := NewReader(card, c.cfg.SysfsRoot, c.cfg.DebugfsRoot, c.logger)
	if err != nil {
		c.logUnavailable("failed to open device", err)
		return
	}

	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()
	c.unavailableLogged = false

	if !c.hasStatic {
		c.static = reader.ReadStaticInfo()
		c.hasStatic = true
	}
	c.logger.Info("attached to GPU",
		"card", card,
		"device", c.static.DeviceName,
		"driver", c.static.DriverVersion)
}

// recordFailure advances the failed-tick streak; at the threshold the
// reader is dropped and polling backs off for the cooldown period,
// after which attach runs once more.
func (c *Collector) recordFailure(now time.Time) {
	c.mu.Lock()
	c.consecutiveFailures++
	failures := c.consecutiveFailures
	c.mu.Unlock()

	if failures < c.cfg.FailureThreshold {
		return
	}

	c.logger.Warn("GPU telemetry failing, backing off",
		"consecutive_failures", failures,
		"cooldown", c.cfg.RecoveryCooldown)

	c.mu.Lock()
	c.reader = nil
	c.consecutiveFailures = 0
	c.mu.Unlock()
	c.cooldownUntil = now.Add(c.cfg.RecoveryCooldown)
}

func (c *Collector) logUnavailable(msg string, err error) {
	if c.unavailableLogged {
		return
	}
	c.unavailableLogged = true
	c.logger.Warn("GPU unavailable: "+msg, "err", err)
}

func applyHigh(dst *telemetry.GPUMetrics, high HighFrequency) {
	dst.UtilizationPct = high.UtilizationPct
	dst.CoreClockMHz = high.CoreClockMHz
	dst.MemClockMHz = high.MemClockMHz
	dst.VRAMUsedBytes = high.VRAMUsedBytes
	dst.VRAMTotalBytes = high.VRAMTotalBytes
	dst.GTTUsedBytes = high.GTTUsedBytes
	dst.GTTTotalBytes = high.GTTTotalBytes
	dst.EncoderBusyPct = high.EncoderBusyPct
	dst.DecoderBusyPct = high.DecoderBusyPct
	dst.FanRPM = high.FanRPM
}

func applyMedium(dst *telemetry.GPUMetrics, medium MediumFrequency) {
	dst.TemperatureC = medium.TemperatureC
	dst.HotspotTempC = medium.HotspotTempC
	dst.PowerDrawW = medium.PowerDrawW
	dst.MemBandwidthPct = medium.MemBandwidthPct
	dst.PCIeRxKBPerSec = medium.PCIeRxKBPerSec
	dst.PCIeTxKBPerSec = medium.PCIeTxKBPerSec
}

func applyStatic(dst *telemetry.GPUMetrics, static StaticInfo) {
	if static.DeviceName != "" {
		dst.DeviceName = telemetry.String(static.DeviceName)
	}
	if static.DriverVersion != "" {
		dst.DriverVersion = telemetry.String(static.DriverVersion)
	}
	if static.PCIeLinkWidth > 0 {
		dst.PCIeLinkWidth = telemetry.Int(static.PCIeLinkWidth)
	}
	if static.PCIeLinkGen > 0 {
		dst.PCIeLinkGen = telemetry.Int(static.PCIeLinkGen)
	}
}
