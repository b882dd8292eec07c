// Package catalog maps asset symbols to feed pairs.
package catalog

import (
	"sort"

	"github.com/pkg/errors"

	"price_feed/internal/models"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

// Catalog is immutable after New and safe for concurrent use.
type Catalog struct {
	pairs    map[string]models.PairID
	reversed map[models.PairID]struct{}
	symbols  []string
}

// New builds a catalog from symbol→pair entries and the list of pairs whose
// wire quote is the reciprocal of the display quote.
func New(pairs map[string]string, reversed []string) (*Catalog, error) {
	c := &Catalog{
		pairs:    make(map[string]models.PairID, len(pairs)),
		reversed: make(map[models.PairID]struct{}, len(reversed)),
		symbols:  make([]string, 0, len(pairs)),
	}

	known := make(map[models.PairID]struct{}, len(pairs))
	for sym, pair := range pairs {
		if sym == "" || pair == "" {
			return nil, errors.Errorf("catalog: empty entry %q=%q", sym, pair)
		}
		c.pairs[sym] = models.PairID(pair)
		c.symbols = append(c.symbols, sym)
		known[models.PairID(pair)] = struct{}{}
	}
	sort.Strings(c.symbols)

	for _, r := range reversed {
		p := models.PairID(r)
		if _, ok := known[p]; !ok {
			return nil, errors.Errorf("catalog: reversed pair %q is not mapped by any symbol", r)
		}
		c.reversed[p] = struct{}{}
	}

	return c, nil
}

func (c *Catalog) Resolve(symbol string) (models.PairID, error) {
	p, ok := c.pairs[symbol]
	if !ok {
		return "", errors.Wrapf(ErrUnknownSymbol, "symbol %q", symbol)
	}
	return p, nil
}

func (c *Catalog) IsReversed(pair models.PairID) bool {
	_, ok := c.reversed[pair]
	return ok
}

// Symbols returns the configured symbols in lexical order.
func (c *Catalog) Symbols() []string {
	out := make([]string, len(c.symbols))
	copy(out, c.symbols)
	return out
}
