// Package workload generates deterministic blocks of balance transfers,
// counter updates and plain overwrites over byte values.
package workload

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/zhiqiangxu/blockstm"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

type Config struct {
	BlockSize    int
	Accounts     int
	Counters     int
	CounterLimit uint64
	Seed         int64
	// share of overwrite and delete transactions
	WriteRatio float64
	// share of counter transactions
	DeltaRatio float64
}

type (
	View        = blockstm.View[string, []byte]
	Transaction = blockstm.Transaction[string, []byte]
)

func AccountKey(i int) string { return fmt.Sprintf("acct/%d", i) }
func CounterKey(i int) string { return fmt.Sprintf("ctr/%d", i) }

func Uint64(n uint64) []byte { return binary.BigEndian.AppendUint64(nil, n) }

// Transfer moves Amount from one account to another, aborting when the
// source cannot cover it.
type Transfer struct {
	From, To string
	Amount   uint64
}

func (t Transfer) Execute(view View) error {
	from, err := balance(view, t.From)
	if err != nil {
		return err
	}
	if from < t.Amount {
		return errors.Wrapf(ErrInsufficientFunds, "%s has %d, needs %d", t.From, from, t.Amount)
	}
	view.Set(t.From, Uint64(from-t.Amount))
	if t.From == t.To {
		return nil
	}
	to, err := balance(view, t.To)
	if err != nil {
		return err
	}
	view.Set(t.To, Uint64(to+t.Amount))
	return nil
}

// Increment applies a bounded delta to a counter without reading it.
type Increment struct {
	Counter string
	Delta   blockstm.DeltaUpdate
	Limit   uint64
}

func (t Increment) Execute(view View) error {
	return view.AddDelta(t.Counter, t.Delta, t.Limit)
}

// Observe copies the current value of a counter into Into.
type Observe struct {
	Counter, Into string
}

func (t Observe) Execute(view View) error {
	v, ok, err := view.Get(t.Counter)
	if err != nil {
		return err
	}
	if !ok {
		view.Delete(t.Into)
		return nil
	}
	view.Set(t.Into, v)
	return nil
}

type Overwrite struct {
	Key   string
	Value []byte
}

func (t Overwrite) Execute(view View) error {
	view.Set(t.Key, t.Value)
	return nil
}

type Delete struct {
	Key string
}

func (t Delete) Execute(view View) error {
	view.Delete(t.Key)
	return nil
}

func balance(view View, account string) (uint64, error) {
	v, ok, err := view.Get(account)
	if err != nil || !ok {
		return 0, err
	}
	if len(v) != 8 {
		return 0, errors.Wrapf(blockstm.ErrNotNumeric, "account %s", account)
	}
	return binary.BigEndian.Uint64(v), nil
}

// Generate returns a block and the base state it runs on. The same config
// always yields the same block.
func Generate(c Config) ([]Transaction, blockstm.MapState[string, []byte]) {
	rnd := rand.New(rand.NewSource(c.Seed))

	base := make(blockstm.MapState[string, []byte], c.Accounts+c.Counters)
	for i := 0; i < c.Accounts; i++ {
		base[AccountKey(i)] = Uint64(uint64(rnd.Intn(1000)))
	}
	for i := 0; i < c.Counters; i++ {
		// counters above the base state start missing
		if i%2 == 0 {
			base[CounterKey(i)] = Uint64(c.CounterLimit / 2)
		}
	}

	txns := make([]Transaction, 0, c.BlockSize)
	for i := 0; i < c.BlockSize; i++ {
		p := rnd.Float64()
		switch {
		case p < c.DeltaRatio:
			counter := CounterKey(rnd.Intn(c.Counters))
			if rnd.Intn(8) == 0 {
				txns = append(txns, Observe{Counter: counter, Into: fmt.Sprintf("obs/%d", i)})
				continue
			}
			delta := blockstm.Add(uint64(rnd.Intn(100)))
			if rnd.Intn(2) == 0 {
				delta = blockstm.Sub(uint64(rnd.Intn(100)))
			}
			txns = append(txns, Increment{Counter: counter, Delta: delta, Limit: c.CounterLimit})
		case p < c.DeltaRatio+c.WriteRatio:
			key := AccountKey(rnd.Intn(c.Accounts))
			value := uint64(rnd.Intn(1000))
			// a share of the writes land on counters so deltas fold over them
			if rnd.Intn(3) == 0 {
				key = CounterKey(rnd.Intn(c.Counters))
				value = rnd.Uint64() % c.CounterLimit
			}
			if rnd.Intn(4) == 0 {
				txns = append(txns, Delete{Key: key})
			} else {
				txns = append(txns, Overwrite{Key: key, Value: Uint64(value)})
			}
		default:
			txns = append(txns, Transfer{
				From:   AccountKey(rnd.Intn(c.Accounts)),
				To:     AccountKey(rnd.Intn(c.Accounts)),
				Amount: uint64(rnd.Intn(200)),
			})
		}
	}
	return txns, base
}
