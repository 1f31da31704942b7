package domain

import "context"

// Allocation is the outcome of splitting a unit quantity across denominations.
type Allocation struct {
	Bundles   map[BundleSize]int
	Remaining int
}

// Exact reports whether the whole quantity was placed.
func (a Allocation) Exact() bool {
	return a.Remaining == 0
}

// searchBudget bounds how many states the exact search may visit. A search
// that runs out reports the plan as not exact.
const searchBudget = 1 << 17

// ctxCheckEvery is how often, in visited states, the search polls its context.
const ctxCheckEvery = 1 << 10

// PlanDeduction walks sizes from largest to smallest, taking as many bundles
// of each size as fit into the remaining quantity without exceeding what is
// held. When that greedy pass leaves a remainder, the remaining combinations
// are searched in the same largest-first order. The plan is exact only when
// Remaining is zero. The error is non-nil only when ctx ends mid-search.
func PlanDeduction(ctx context.Context, inv Inventory, quantity int) (Allocation, error) {
	sizes := inv.SizesDesc()
	greedy := Allocation{Bundles: make(map[BundleSize]int), Remaining: quantity}
	for _, size := range sizes {
		if greedy.Remaining == 0 {
			break
		}
		take := min(greedy.Remaining/int(size), inv[size])
		if take <= 0 {
			continue
		}
		greedy.Bundles[size] = take
		greedy.Remaining -= take * int(size)
	}
	if greedy.Exact() || quantity > inv.TotalUnits() {
		return greedy, nil
	}
	return newExactSearch(ctx, inv, sizes, true).run(quantity, greedy)
}

// PlanRestoration is PlanDeduction without the availability cap: additions
// always fit, but only into configured sizes.
func PlanRestoration(ctx context.Context, inv Inventory, quantity int) (Allocation, error) {
	sizes := inv.SizesDesc()
	greedy := Allocation{Bundles: make(map[BundleSize]int), Remaining: quantity}
	for _, size := range sizes {
		if greedy.Remaining == 0 {
			break
		}
		add := greedy.Remaining / int(size)
		if add == 0 {
			continue
		}
		greedy.Bundles[size] = add
		greedy.Remaining -= add * int(size)
	}
	if greedy.Exact() {
		return greedy, nil
	}
	return newExactSearch(ctx, inv, sizes, false).run(quantity, greedy)
}

// exactSearch is a depth-first search over bundle counts, largest size first
// and most bundles first, memoizing (size index, remaining) pairs that
// cannot be completed.
type exactSearch struct {
	ctx    context.Context
	inv    Inventory
	sizes  []BundleSize
	capped bool
	dead   map[[2]int]struct{}
	picks  map[BundleSize]int
	visits int
	halted bool
	err    error
}

func newExactSearch(ctx context.Context, inv Inventory, sizes []BundleSize, capped bool) *exactSearch {
	return &exactSearch{
		ctx:    ctx,
		inv:    inv,
		sizes:  sizes,
		capped: capped,
		dead:   make(map[[2]int]struct{}),
		picks:  make(map[BundleSize]int),
	}
}

// run returns the found plan, or fallback when none exists, the budget runs
// out or ctx ends.
func (s *exactSearch) run(quantity int, fallback Allocation) (Allocation, error) {
	g := s.gcd()
	if g == 0 || quantity%g != 0 {
		return fallback, nil
	}
	if s.find(0, quantity) {
		return Allocation{Bundles: s.picks, Remaining: 0}, nil
	}
	return fallback, s.err
}

// gcd of the sizes the search may draw from; zero when there are none.
func (s *exactSearch) gcd() int {
	g := 0
	for _, size := range s.sizes {
		if s.capped && s.inv[size] <= 0 {
			continue
		}
		a, b := g, int(size)
		for b != 0 {
			a, b = b, a%b
		}
		g = a
	}
	return g
}

func (s *exactSearch) limit(size BundleSize, remaining int) int {
	if s.capped {
		return min(remaining/int(size), s.inv[size])
	}
	return remaining / int(size)
}

func (s *exactSearch) find(idx, remaining int) bool {
	if remaining == 0 {
		return true
	}
	if s.halted || idx == len(s.sizes) {
		return false
	}
	if s.visits%ctxCheckEvery == 0 {
		if err := s.ctx.Err(); err != nil {
			s.err = err
			s.halted = true
			return false
		}
	}
	if s.visits++; s.visits > searchBudget {
		s.halted = true
		return false
	}

	size := s.sizes[idx]
	if idx == len(s.sizes)-1 {
		if remaining%int(size) != 0 || s.limit(size, remaining) < remaining/int(size) {
			return false
		}
		s.picks[size] = remaining / int(size)
		return true
	}
	if _, ok := s.dead[[2]int{idx, remaining}]; ok {
		return false
	}
	for take := s.limit(size, remaining); take >= 0 && !s.halted; take-- {
		if s.find(idx+1, remaining-take*int(size)) {
			if take > 0 {
				s.picks[size] = take
			}
			return true
		}
	}
	if !s.halted {
		s.dead[[2]int{idx, remaining}] = struct{}{}
	}
	return false
}

// Apply returns a copy of inv with sign*bundles added per size.
func (a Allocation) Apply(inv Inventory, sign int) Inventory {
	out := inv.Clone()
	for size, n := range a.Bundles {
		out[size] += sign * n
	}
	return out
}

// Deltas returns the signed per-size bundle changes for the movement log.
func (a Allocation) Deltas(sign int) map[BundleSize]int {
	out := make(map[BundleSize]int, len(a.Bundles))
	for size, n := range a.Bundles {
		out[size] = sign * n
	}
	return out
}
