package train

import (
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/sugeno/fuzzy"
)

// parallelThreshold is the minimum batch size split across workers.
// Below this, one goroutine is faster.
const parallelThreshold = 64

// gradWorker holds one worker's reusable buffers.
type gradWorker struct {
	scratch *fuzzy.Scratch
	grad    []float64
	loss    float64
}

// gradPool accumulates per-sample losses and gradients for one model.
// Each worker owns a contiguous chunk of the batch; partial sums are reduced
// in worker order so results depend only on the seed and worker count.
type gradPool struct {
	model   *fuzzy.Model
	workers []gradWorker
	grad    []float64
}

func newGradPool(m *fuzzy.Model, numWorkers int) *gradPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	p := &gradPool{
		model:   m,
		workers: make([]gradWorker, numWorkers),
		grad:    make([]float64, m.NumParams()),
	}
	for i := range p.workers {
		p.workers[i].scratch = m.NewScratch()
		p.workers[i].grad = make([]float64, m.NumParams())
	}
	return p
}

// run evaluates rows of x against y. With withGrad set, the summed gradient
// is left in p.grad. It returns the summed loss.
func (p *gradPool) run(rows []int, x *mat.Dense, y []float64, loss Loss, withGrad bool) float64 {
	n := len(p.workers)
	if len(rows) < parallelThreshold {
		n = 1
	}
	chunk := (len(rows) + n - 1) / n

	var wg sync.WaitGroup
	used := 0
	for w := 0; w < n; w++ {
		start := w * chunk
		if start >= len(rows) {
			break
		}
		end := min(start+chunk, len(rows))
		used++

		wk := &p.workers[w]
		if n == 1 {
			wk.accumulate(p.model, rows[start:end], x, y, loss, withGrad)
			break
		}
		wg.Add(1)
		go func(part []int) {
			defer wg.Done()
			wk.accumulate(p.model, part, x, y, loss, withGrad)
		}(rows[start:end])
	}
	wg.Wait()

	var total float64
	if withGrad {
		for i := range p.grad {
			p.grad[i] = 0
		}
	}
	for w := 0; w < used; w++ {
		total += p.workers[w].loss
		if withGrad {
			floats.Add(p.grad, p.workers[w].grad)
		}
	}
	return total
}

func (wk *gradWorker) accumulate(m *fuzzy.Model, rows []int, x *mat.Dense, y []float64, loss Loss, withGrad bool) {
	wk.loss = 0
	if withGrad {
		for i := range wk.grad {
			wk.grad[i] = 0
		}
	}
	for _, r := range rows {
		xr := x.RawRowView(r)
		out := m.Forward(xr, wk.scratch)
		l, dy := loss.Eval(out, y[r])
		wk.loss += l
		if withGrad {
			m.Backward(xr, wk.scratch, dy, wk.grad)
		}
	}
}
