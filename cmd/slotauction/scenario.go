package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/eigerco/slotauction/internal/auction"
	"github.com/eigerco/slotauction/internal/chaintime"
	"github.com/eigerco/slotauction/internal/event"
	"github.com/eigerco/slotauction/internal/primitives"
	"github.com/eigerco/slotauction/internal/runtime"
)

var ErrInvalidScenario = errors.New("invalid scenario")

// scenario is a scripted run: genesis setup followed by calls submitted at
// given blocks. Every block from 1 up to the last scripted block, or Until if
// later, is ticked.
type scenario struct {
	Accounts   map[string]uint64 `yaml:"accounts"`
	Paras      []uint32          `yaml:"paras"`
	Privileged []string          `yaml:"privileged"`
	Blocks     []scenarioBlock   `yaml:"blocks"`
	Until      uint32            `yaml:"until"`
}

type scenarioBlock struct {
	Block uint32         `yaml:"block"`
	Calls []scenarioCall `yaml:"calls"`
}

type scenarioCall struct {
	Call          string `yaml:"call"`
	Root          bool   `yaml:"root"`
	Who           string `yaml:"who"`
	Para          uint32 `yaml:"para"`
	Other         uint32 `yaml:"other"`
	Amount        uint64 `yaml:"amount"`
	First         uint32 `yaml:"first"`
	Last          uint32 `yaml:"last"`
	End           uint32 `yaml:"end"`
	LeaseDuration uint8  `yaml:"leaseDuration"`
	Lead          uint32 `yaml:"lead"`
}

func loadScenario(path string) (*scenario, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading scenario: %w", err)
	}
	return parseScenario(buf)
}

func parseScenario(buf []byte) (*scenario, error) {
	sc := &scenario{}
	if err := yaml.Unmarshal(buf, sc); err != nil {
		return nil, fmt.Errorf("error parsing scenario: %w", err)
	}
	for i := 1; i < len(sc.Blocks); i++ {
		if sc.Blocks[i].Block <= sc.Blocks[i-1].Block {
			return nil, fmt.Errorf("%w: block %d listed after %d", ErrInvalidScenario, sc.Blocks[i].Block, sc.Blocks[i-1].Block)
		}
	}
	for _, b := range sc.Blocks {
		if b.Block == 0 {
			return nil, fmt.Errorf("%w: blocks start at 1", ErrInvalidScenario)
		}
		for _, c := range b.Calls {
			if _, err := runtime.Call(c.Call, c.args()); err != nil {
				return nil, fmt.Errorf("%w: block %d: %w", ErrInvalidScenario, b.Block, err)
			}
		}
	}
	return sc, nil
}

// account resolves a hex account id or derives one from a name.
func account(s string) primitives.AccountID {
	if id, err := primitives.ParseAccountID(s); err == nil {
		return id
	}
	return primitives.NamedAccount(s)
}

func (c scenarioCall) args() runtime.CallArgs {
	return runtime.CallArgs{
		Root:          c.Root,
		Who:           account(c.Who),
		Para:          primitives.ParaID(c.Para),
		Other:         primitives.ParaID(c.Other),
		Amount:        primitives.Balance(c.Amount),
		First:         c.First,
		Last:          c.Last,
		End:           chaintime.BlockNumber(c.End),
		LeaseDuration: c.LeaseDuration,
		Lead:          c.Lead,
	}
}

func (sc *scenario) lastBlock() chaintime.BlockNumber {
	last := sc.Until
	if n := len(sc.Blocks); n > 0 {
		last = max(last, sc.Blocks[n-1].Block)
	}
	return chaintime.BlockNumber(last)
}

func (sc *scenario) genesis(w io.Writer) func(m *runtime.Modules) error {
	return func(m *runtime.Modules) error {
		for _, name := range slices.Sorted(maps.Keys(sc.Accounts)) {
			if err := m.Currency.Deposit(account(name), primitives.Balance(sc.Accounts[name])); err != nil {
				return err
			}
		}
		for _, p := range sc.Paras {
			m.Registry.Register(primitives.ParaID(p))
		}
		for _, name := range sc.Privileged {
			m.Auth.Grant(account(name))
		}
		m.Bus.Subscribe(event.AuctionSettledEventType, func(e event.Event) {
			res, ok := e.Data.(auction.Result)
			if !ok {
				return
			}
			if res.Winner == nil {
				fmt.Fprintf(w, "block %d: auction %d closed without winner\n", e.Block, res.Index)
				return
			}
			fmt.Fprintf(w, "block %d: auction %d won by %s for periods %d..%d (candle offset %d)\n",
				e.Block, res.Index, res.Winner, res.First, res.Last, res.Offset)
		})
		return nil
	}
}

// run plays sc against r, writing call failures and settlements to w.
func (sc *scenario) run(ctx context.Context, r *runtime.Runtime, w io.Writer) error {
	if err := r.Setup(sc.genesis(w)); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	next := 0
	for b := chaintime.BlockNumber(1); b <= sc.lastBlock(); b++ {
		if next < len(sc.Blocks) && chaintime.BlockNumber(sc.Blocks[next].Block) == b {
			for _, c := range sc.Blocks[next].Calls {
				x, err := runtime.Call(c.Call, c.args())
				if err != nil {
					return err
				}
				r.Submit(x)
			}
			next++
		}
		report, err := r.Tick(ctx, b, r.ParentHash())
		if err != nil {
			return err
		}
		for _, f := range report.Failures {
			fmt.Fprintf(w, "block %d: %s failed: %v\n", b, f.Name, f.Err)
		}
		if report.CloseErr != nil {
			fmt.Fprintf(w, "block %d: auction close failed: %v\n", b, report.CloseErr)
		}
	}
	return nil
}
