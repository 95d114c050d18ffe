package detect

import (
	"strconv"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

type ledgerEntry struct {
	tag          string
	ringID       string
	highVelocity bool
}

type entries struct {
	order []string
	byID  map[string][]ledgerEntry
}

func (e *entries) add(account string, entry ledgerEntry) {
	if e.byID == nil {
		e.byID = make(map[string][]ledgerEntry)
	}
	if _, ok := e.byID[account]; !ok {
		e.order = append(e.order, account)
	}
	e.byID[account] = append(e.byID[account], entry)
}

// Ledger maps every implicated account to the pattern references found for
// it during one run, kept per detector in discovery order.
type Ledger struct {
	cycles   entries
	smurfing entries
	shells   entries
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

func (l *Ledger) addCycle(account string, c Cycle, ringID string) {
	l.cycles.add(account, ledgerEntry{
		tag:    domain.TagCyclePrefix + strconv.Itoa(c.Length()),
		ringID: ringID,
	})
}

func (l *Ledger) addSmurfing(account, tag, ringID string) {
	l.smurfing.add(account, ledgerEntry{tag: tag, ringID: ringID})
}

func (l *Ledger) addShell(account string, c ShellChain, ringID string) {
	l.shells.add(account, ledgerEntry{
		tag:          domain.TagLayeredShell,
		ringID:       ringID,
		highVelocity: c.HighVelocity,
	})
}

// Patterns returns the deduplicated tags of an account: cycle tags first,
// then smurfing roles, then layered shell and high velocity.
func (l *Ledger) Patterns(account string) []string {
	var tags []string
	seen := make(map[string]struct{})
	push := func(tag string) {
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	for _, e := range l.cycles.byID[account] {
		push(e.tag)
	}
	for _, e := range l.smurfing.byID[account] {
		push(e.tag)
	}
	if shells := l.shells.byID[account]; len(shells) > 0 {
		push(domain.TagLayeredShell)
		for _, e := range shells {
			if e.highVelocity {
				push(domain.TagHighVelocity)
			}
		}
	}
	return tags
}

// RingID returns the first ring the account was placed in, preferring cycle
// rings, then smurfing, then layered shell. Nil when the account is clean.
func (l *Ledger) RingID(account string) *string {
	for _, e := range []entries{l.cycles, l.smurfing, l.shells} {
		if list := e.byID[account]; len(list) > 0 {
			id := list[0].ringID
			return &id
		}
	}
	return nil
}

// Accounts returns every implicated account once: cycle accounts first,
// then smurfing, then layered shell, each in discovery order.
func (l *Ledger) Accounts() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range []entries{l.cycles, l.smurfing, l.shells} {
		for _, id := range e.order {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of implicated accounts.
func (l *Ledger) Len() int {
	return len(l.Accounts())
}
