// Package detect finds cycle, smurfing and layered shell patterns in a
// transaction graph and groups them into fraud rings.
package detect

import (
	"strings"
	"time"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

// Kind identifies the detector behind a pattern instance.
type Kind string

const (
	KindCycle        Kind = "cycle"
	KindFanIn        Kind = "fan_in"
	KindFanOut       Kind = "fan_out"
	KindLayeredShell Kind = "layered_shell"
)

// Instance is a single detected pattern.
type Instance interface {
	Kind() Kind
	Members() []string
}

// keySep joins account ids into dedup keys. Account ids never contain it.
const keySep = "\x00"

// Cycle is a closed loop of transfers, listed in traversal order from the
// account where the search started.
type Cycle struct {
	Accounts []string `json:"accounts"`
}

func (c Cycle) Kind() Kind        { return KindCycle }
func (c Cycle) Members() []string { return c.Accounts }

// Length returns the number of distinct accounts in the loop.
func (c Cycle) Length() int { return len(c.Accounts) }

// Key identifies the cycle regardless of which member it starts at.
func (c Cycle) Key() string {
	return cycleKey(c.Accounts)
}

// cycleKey rotates the loop to begin at its smallest account id.
func cycleKey(accounts []string) string {
	if len(accounts) == 0 {
		return ""
	}
	first := 0
	for i, id := range accounts {
		if id < accounts[first] {
			first = i
		}
	}
	rotated := make([]string, 0, len(accounts))
	rotated = append(rotated, accounts[first:]...)
	rotated = append(rotated, accounts[:first]...)
	return strings.Join(rotated, keySep)
}

// SmurfingPattern is a fan-in or fan-out burst around a central account.
type SmurfingPattern struct {
	Type             Kind      `json:"type"`
	Central          string    `json:"central"`
	Counterparties   []string  `json:"counterparties"`
	TransactionCount int       `json:"transaction_count"`
	UniqueCount      int       `json:"unique_count"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
	TotalAmount      float64   `json:"total_amount"`
}

func (p SmurfingPattern) Kind() Kind { return p.Type }

// Members returns the central account followed by its counterparties.
func (p SmurfingPattern) Members() []string {
	members := make([]string, 0, len(p.Counterparties)+1)
	members = append(members, p.Central)
	for _, id := range p.Counterparties {
		if id != p.Central {
			members = append(members, id)
		}
	}
	return members
}

// CentralTag is the pattern tag of the central account.
func (p SmurfingPattern) CentralTag() string {
	if p.Type == KindFanOut {
		return domain.TagSmurfingDistributor
	}
	return domain.TagSmurfingAggregator
}

// ShellChain is a path of pass-through accounts.
type ShellChain struct {
	Accounts     []string `json:"accounts"`
	ShellNodes   []string `json:"shell_nodes"`
	HighVelocity bool     `json:"high_velocity"`
}

func (c ShellChain) Kind() Kind        { return KindLayeredShell }
func (c ShellChain) Members() []string { return c.Accounts }

// Length returns the number of accounts on the chain.
func (c ShellChain) Length() int { return len(c.Accounts) }

// CycleRisk scores the shared ring of every cycle found in a run.
func CycleRisk(cycles []Cycle) float64 {
	score := 70.0
	for _, c := range cycles {
		if c.Length() == 3 {
			score += 15
			break
		}
	}
	if len(cycles) > 3 {
		score += 10
	}
	return min(score, 100)
}

// SmurfingRisk scores one fan-in or fan-out ring.
func SmurfingRisk(p SmurfingPattern) float64 {
	score := 60.0
	switch {
	case p.UniqueCount >= 20:
		score += 20
	case p.UniqueCount >= 15:
		score += 15
	case p.UniqueCount >= 10:
		score += 10
	}
	if p.TotalAmount > 100000 {
		score += 10
	}
	return min(score, 100)
}

// ShellRisk scores one layered shell ring.
func ShellRisk(c ShellChain) float64 {
	score := 50.0
	switch {
	case c.Length() >= 5:
		score += 20
	case c.Length() >= 4:
		score += 15
	case c.Length() >= 3:
		score += 10
	}
	if c.HighVelocity {
		score += 15
	}
	if len(c.ShellNodes) >= 2 {
		score += 10
	}
	return min(score, 100)
}
