package fuzzy

// RuleLayer enumerates every combination of one MF index per input.
// The table is built once; rule r assigns MF Index(r, k) to input k, with
// the first input varying slowest.
type RuleLayer struct {
	numInputs int
	numMFs    int
	numRules  int
	table     []int32 // numRules x numInputs
}

// NewRuleLayer builds the Cartesian-product rule table for n inputs with m
// MFs each. Callers validate the shape; see New.
func NewRuleLayer(n, m int) RuleLayer {
	r := intPow(m, n)
	table := make([]int32, r*n)
	for rule := 0; rule < r; rule++ {
		rem := rule
		for k := n - 1; k >= 0; k-- {
			table[rule*n+k] = int32(rem % m)
			rem /= m
		}
	}
	return RuleLayer{numInputs: n, numMFs: m, numRules: r, table: table}
}

// NumRules returns m^n.
func (l RuleLayer) NumRules() int {
	return l.numRules
}

// Index returns the MF index rule r assigns to input k.
func (l RuleLayer) Index(r, k int) int {
	return int(l.table[r*l.numInputs+k])
}

// Rule returns the MF indices of rule r. The slice aliases the table.
func (l RuleLayer) Rule(r int) []int32 {
	return l.table[r*l.numInputs : (r+1)*l.numInputs]
}

// Strengths computes the firing strength of every rule. mu holds the
// membership degrees input-major (mu[k*m+i] is input k under MF i); dst must
// have length NumRules(). Each strength is the algebraic product of n degrees.
func (l RuleLayer) Strengths(mu, dst []float64) {
	n, m := l.numInputs, l.numMFs
	for r := 0; r < l.numRules; r++ {
		idx := l.table[r*n : (r+1)*n]
		w := 1.0
		for k, i := range idx {
			w *= mu[k*m+int(i)]
		}
		dst[r] = w
	}
}

func intPow(base, exp int) int {
	result := 1
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
