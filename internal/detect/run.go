package detect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/graph"
)

var tracer = otel.Tracer("ringwatch-detect")

// StageObserver receives the duration of each detector stage.
type StageObserver func(stage string, d time.Duration)

// Result holds everything one run found.
type Result struct {
	Cycles []Cycle
	FanIn  []SmurfingPattern
	FanOut []SmurfingPattern
	Chains []ShellChain
	Rings  []domain.FraudRing
	Ledger *Ledger
}

// Details counts instances per detector.
func (r *Result) Details() domain.DetectionDetails {
	return domain.DetectionDetails{
		CyclesDetected:     len(r.Cycles),
		FanInPatterns:      len(r.FanIn),
		FanOutPatterns:     len(r.FanOut),
		LayeredShellChains: len(r.Chains),
	}
}

// Instances returns every pattern instance in ring-assignment order.
func (r *Result) Instances() []Instance {
	out := make([]Instance, 0, len(r.Cycles)+len(r.FanIn)+len(r.FanOut)+len(r.Chains))
	for _, c := range r.Cycles {
		out = append(out, c)
	}
	for _, p := range r.FanIn {
		out = append(out, p)
	}
	for _, p := range r.FanOut {
		out = append(out, p)
	}
	for _, c := range r.Chains {
		out = append(out, c)
	}
	return out
}

// Detector runs the three pattern detectors over a graph.
type Detector struct {
	cfg      domain.DetectionConfig
	logger   *slog.Logger
	observer StageObserver
}

// NewDetector creates a detector. A nil logger falls back to slog.Default.
func NewDetector(cfg domain.DetectionConfig, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cfg: cfg, logger: logger}
}

// SetObserver registers a callback for per-stage timings.
func (d *Detector) SetObserver(o StageObserver) {
	d.observer = o
}

// Run executes cycle, smurfing and layered shell detection. Detectors run
// concurrently when the config asks for it; ring ids are assigned afterwards
// in a fixed order so both modes produce identical results.
func (d *Detector) Run(ctx context.Context, g *graph.TransactionGraph) (*Result, error) {
	res := &Result{}

	cycles := CycleDetector{
		MinLength:         d.cfg.CycleMinLength,
		MaxLength:         d.cfg.CycleMaxLength,
		MerchantThreshold: d.cfg.MerchantThreshold,
	}
	smurfing := SmurfingDetector{
		MinConnections:    d.cfg.SmurfingMinConnections,
		Window:            d.cfg.SmurfingWindow(),
		MerchantThreshold: d.cfg.MerchantThreshold,
	}
	shells := ShellDetector{
		MinHops:           d.cfg.ShellMinHops,
		MaxTransactions:   d.cfg.ShellMaxTransactions,
		MaxDepth:          d.cfg.ShellMaxDepth,
		MerchantThreshold: d.cfg.MerchantThreshold,
		VelocityThreshold: d.cfg.VelocityThreshold(),
	}

	stages := []func(context.Context) error{
		func(ctx context.Context) error {
			return d.stage(ctx, "detect.cycles", func(ctx context.Context) (int, error) {
				var err error
				res.Cycles, err = cycles.Detect(ctx, g)
				return len(res.Cycles), err
			})
		},
		func(ctx context.Context) error {
			return d.stage(ctx, "detect.smurfing", func(ctx context.Context) (int, error) {
				var err error
				res.FanIn, res.FanOut, err = smurfing.Detect(ctx, g)
				return len(res.FanIn) + len(res.FanOut), err
			})
		},
		func(ctx context.Context) error {
			return d.stage(ctx, "detect.shells", func(ctx context.Context) (int, error) {
				var err error
				res.Chains, err = shells.Detect(ctx, g)
				return len(res.Chains), err
			})
		},
	}

	if d.cfg.Parallel {
		eg, egCtx := errgroup.WithContext(ctx)
		for _, stage := range stages {
			eg.Go(func() error { return stage(egCtx) })
		}
		if err := eg.Wait(); err != nil {
			return nil, fmt.Errorf("detection failed: %w", err)
		}
	} else {
		for _, stage := range stages {
			if err := stage(ctx); err != nil {
				return nil, fmt.Errorf("detection failed: %w", err)
			}
		}
	}

	run := newDetectionRun()
	run.addCycles(res.Cycles)
	for _, p := range res.FanIn {
		run.addSmurfing(p)
	}
	for _, p := range res.FanOut {
		run.addSmurfing(p)
	}
	for _, c := range res.Chains {
		run.addChain(c)
	}
	res.Rings = run.rings
	res.Ledger = run.ledger

	d.logger.Debug("detection run complete",
		"cycles", len(res.Cycles),
		"fan_in", len(res.FanIn),
		"fan_out", len(res.FanOut),
		"shell_chains", len(res.Chains),
		"rings", len(res.Rings),
	)
	return res, nil
}

func (d *Detector) stage(ctx context.Context, name string, fn func(context.Context) (int, error)) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()
	found, err := fn(ctx)
	elapsed := time.Since(start)

	span.SetAttributes(attribute.Int("patterns.found", found))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", name, err)
	}
	if d.observer != nil {
		d.observer(name, elapsed)
	}
	d.logger.Debug("detector finished", "stage", name, "found", found, "duration_ms", elapsed.Milliseconds())
	return nil
}

// DetectionRun owns the ring counter and pattern ledger of one run.
type DetectionRun struct {
	counter int
	rings   []domain.FraudRing
	ledger  *Ledger
}

func newDetectionRun() *DetectionRun {
	return &DetectionRun{ledger: NewLedger()}
}

func (r *DetectionRun) nextRingID() string {
	r.counter++
	return fmt.Sprintf("RING_%03d", r.counter)
}

// addCycles places every cycle of the run into one shared ring.
func (r *DetectionRun) addCycles(cycles []Cycle) {
	if len(cycles) == 0 {
		return
	}
	ringID := r.nextRingID()

	var members []string
	seen := make(map[string]struct{})
	for _, c := range cycles {
		for _, id := range c.Accounts {
			r.ledger.addCycle(id, c, ringID)
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				members = append(members, id)
			}
		}
	}

	r.rings = append(r.rings, domain.FraudRing{
		RingID:         ringID,
		MemberAccounts: members,
		PatternType:    domain.PatternCycle,
		RiskScore:      CycleRisk(cycles),
	})
}

func (r *DetectionRun) addSmurfing(p SmurfingPattern) {
	ringID := r.nextRingID()

	r.ledger.addSmurfing(p.Central, p.CentralTag(), ringID)
	for _, id := range p.Counterparties {
		r.ledger.addSmurfing(id, domain.TagSmurfingParticipant, ringID)
	}

	r.rings = append(r.rings, domain.FraudRing{
		RingID:         ringID,
		MemberAccounts: p.Members(),
		PatternType:    domain.PatternSmurfing,
		RiskScore:      SmurfingRisk(p),
	})
}

func (r *DetectionRun) addChain(c ShellChain) {
	ringID := r.nextRingID()

	for _, id := range c.Accounts {
		r.ledger.addShell(id, c, ringID)
	}

	r.rings = append(r.rings, domain.FraudRing{
		RingID:         ringID,
		MemberAccounts: c.Members(),
		PatternType:    domain.PatternLayeredShell,
		RiskScore:      ShellRisk(c),
	})
}
