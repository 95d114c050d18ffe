package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerConfig sizes the synthetic ledger.
type LedgerConfig struct {
	Seed          uint64
	Accounts      int
	Noise         int
	Cycles        int
	FanIns        int
	FanOuts       int
	Shells        int
	SmurfFanWidth int
	Start         time.Time
	Span          time.Duration
}

// Row is one generated transfer.
type Row struct {
	ID       string
	Sender   string
	Receiver string
	Amount   float64
	At       time.Time
}

// Ledger is a generated ledger plus the accounts planted in each pattern.
type Ledger struct {
	Rows    []Row
	Planted map[string]string // account -> pattern label
}

// Generate builds background noise among ordinary accounts and plants the
// configured mule patterns on top of it.
func Generate(cfg LedgerConfig) *Ledger {
	g := &generator{
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5eed)),
		ledger: &Ledger{Planted: make(map[string]string)},
	}

	g.noise()
	for i := range cfg.Cycles {
		g.cycle(i)
	}
	for i := range cfg.FanIns {
		g.fanIn(i)
	}
	for i := range cfg.FanOuts {
		g.fanOut(i)
	}
	for i := range cfg.Shells {
		g.shellChain(i)
	}

	slices.SortStableFunc(g.ledger.Rows, func(a, b Row) int {
		return a.At.Compare(b.At)
	})
	return g.ledger
}

type generator struct {
	cfg    LedgerConfig
	rng    *rand.Rand
	ledger *Ledger
	seq    int
}

func (g *generator) add(sender, receiver string, amount float64, at time.Time) {
	g.seq++
	g.ledger.Rows = append(g.ledger.Rows, Row{
		ID:       fmt.Sprintf("TX%07d", g.seq),
		Sender:   sender,
		Receiver: receiver,
		Amount:   amount,
		At:       at,
	})
}

func (g *generator) randomTime() time.Time {
	return g.cfg.Start.Add(time.Duration(g.rng.Int64N(int64(g.cfg.Span))))
}

func (g *generator) amount(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func (g *generator) noise() {
	if g.cfg.Accounts < 2 {
		return
	}
	for range g.cfg.Noise {
		s := g.rng.IntN(g.cfg.Accounts)
		r := g.rng.IntN(g.cfg.Accounts - 1)
		if r >= s {
			r++
		}
		g.add(fmt.Sprintf("ACC%05d", s), fmt.Sprintf("ACC%05d", r), g.amount(10, 5000), g.randomTime())
	}
}

func (g *generator) plant(account, label string) string {
	g.ledger.Planted[account] = label
	return account
}

// cycle plants a 3 to 5 account loop moving roughly the same amount.
func (g *generator) cycle(i int) {
	n := 3 + g.rng.IntN(3)
	members := make([]string, n)
	for j := range members {
		members[j] = g.plant(fmt.Sprintf("CYC%03d_%d", i, j), labelCycle)
	}
	at := g.randomTime()
	base := g.amount(1000, 9000)
	for j, from := range members {
		to := members[(j+1)%n]
		g.add(from, to, base*(0.95+g.rng.Float64()*0.05), at.Add(time.Duration(j)*time.Hour))
	}
}

// fanIn plants many senders paying one aggregator within a day.
func (g *generator) fanIn(i int) {
	hub := g.plant(fmt.Sprintf("AGG%03d", i), labelFanIn)
	at := g.randomTime()
	for j := range g.cfg.SmurfFanWidth {
		src := g.plant(fmt.Sprintf("AGG%03d_SRC%02d", i, j), labelFanIn)
		g.add(src, hub, g.amount(500, 990), at.Add(time.Duration(g.rng.IntN(24*60))*time.Minute))
	}
}

// fanOut plants one distributor paying many receivers within a day.
func (g *generator) fanOut(i int) {
	hub := g.plant(fmt.Sprintf("DST%03d", i), labelFanOut)
	at := g.randomTime()
	for j := range g.cfg.SmurfFanWidth {
		dst := g.plant(fmt.Sprintf("DST%03d_DST%02d", i, j), labelFanOut)
		g.add(hub, dst, g.amount(500, 990), at.Add(time.Duration(g.rng.IntN(24*60))*time.Minute))
	}
}

// shellChain plants source -> three pass-through accounts -> destination.
func (g *generator) shellChain(i int) {
	chain := []string{g.plant(fmt.Sprintf("SHL%03d_SRC", i), labelShell)}
	for j := range 3 {
		chain = append(chain, g.plant(fmt.Sprintf("SHL%03d_L%d", i, j), labelShell))
	}
	chain = append(chain, g.plant(fmt.Sprintf("SHL%03d_DST", i), labelShell))

	at := g.randomTime()
	amount := g.amount(5000, 20000)
	for j := 0; j+1 < len(chain); j++ {
		amount *= 0.97
		g.add(chain[j], chain[j+1], amount, at.Add(time.Duration(j*2)*time.Hour))
	}
}

const (
	labelCycle  = "cycle"
	labelFanIn  = "fan_in"
	labelFanOut = "fan_out"
	labelShell  = "layered_shell"
)

// WriteCSV writes the ledger in the upload format.
func (l *Ledger) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"transaction_id", "sender_id", "receiver_id", "amount", "timestamp"}); err != nil {
		return err
	}
	for _, r := range l.Rows {
		rec := []string{
			r.ID,
			r.Sender,
			r.Receiver,
			decimal.NewFromFloat(r.Amount).StringFixed(2),
			r.At.UTC().Format("2006-01-02 15:04:05"),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteLabels writes one "account,pattern" line per planted account.
func (l *Ledger) WriteLabels(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"account_id", "pattern"}); err != nil {
		return err
	}
	accounts := make([]string, 0, len(l.Planted))
	for a := range l.Planted {
		accounts = append(accounts, a)
	}
	slices.Sort(accounts)
	for _, a := range accounts {
		if err := cw.Write([]string{a, l.Planted[a]}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadLabels reads a file written by WriteLabels.
func ReadLabels(r io.Reader) (map[string]string, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	labels := make(map[string]string, len(records))
	for i, rec := range records {
		if i == 0 || len(rec) < 2 {
			continue
		}
		labels[rec[0]] = rec[1]
	}
	return labels, nil
}
