package tensor

import (
	"fmt"
	"runtime"
)

// Below this many multiply-adds a product runs on the calling goroutine.
const parallelThreshold = 1 << 16

// Each output row is produced by exactly one worker with a fixed summation
// order over k, so results do not depend on the worker count.
type gemmTask struct {
	c, a, b        *Tensor
	transA, transB bool
	rs, re         int
	done           chan struct{}
}

type gemmPool struct {
	size      int
	tasks     chan gemmTask
	doneSlots chan chan struct{}
}

func newGemmPool() *gemmPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &gemmPool{
		size:      size,
		tasks:     make(chan gemmTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, size)
	}
	for w := 0; w < size; w++ {
		go func() {
			for task := range p.tasks {
				gemmRows(task.c, task.a, task.b, task.transA, task.transB, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var gemmWorkPool = newGemmPool()

// MatMul returns a·b.
func MatMul(a, b *Tensor) (*Tensor, error) { return gemm(a, b, false, false) }

// MatMulT returns a·bᵀ, the product used by linear layers (x·Wᵀ).
func MatMulT(a, b *Tensor) (*Tensor, error) { return gemm(a, b, false, true) }

// TMatMul returns aᵀ·b, the product used for weight gradients.
func TMatMul(a, b *Tensor) (*Tensor, error) { return gemm(a, b, true, false) }

func gemm(a, b *Tensor, transA, transB bool) (*Tensor, error) {
	if err := checkFloat(a); err != nil {
		return nil, err
	}
	if err := checkFloat(b); err != nil {
		return nil, err
	}
	ar, ac, err := a.Dims()
	if err != nil {
		return nil, err
	}
	br, bc, err := b.Dims()
	if err != nil {
		return nil, err
	}
	m, k := ar, ac
	if transA {
		m, k = ac, ar
	}
	kb, n := br, bc
	if transB {
		kb, n = bc, br
	}
	if k != kb {
		return nil, fmt.Errorf("%w: matmul %v%s x %v%s", ErrShapeMismatch, a.Shape, tflag(transA), b.Shape, tflag(transB))
	}

	c := Zeros(m, n)
	if m == 0 || n == 0 || k == 0 {
		return c, nil
	}

	workers := gemmWorkPool.size
	if m*n*k < parallelThreshold || workers <= 1 {
		gemmRows(c, a, b, transA, transB, 0, m)
		return c, nil
	}
	if workers > m {
		workers = m
	}
	chunk := (m + workers - 1) / workers

	done := <-gemmWorkPool.doneSlots
	sent := 0
	for rs := 0; rs < m; rs += chunk {
		re := min(rs+chunk, m)
		gemmWorkPool.tasks <- gemmTask{c: c, a: a, b: b, transA: transA, transB: transB, rs: rs, re: re, done: done}
		sent++
	}
	for i := 0; i < sent; i++ {
		<-done
	}
	gemmWorkPool.doneSlots <- done
	return c, nil
}

func tflag(t bool) string {
	if t {
		return "ᵀ"
	}
	return ""
}

func gemmRows(c, a, b *Tensor, transA, transB bool, rs, re int) {
	n := c.Shape[1]
	ac := a.Shape[1]
	bc := b.Shape[1]
	k := ac
	if transA {
		k = a.Shape[0]
	}

	for i := rs; i < re; i++ {
		crow := c.Data[i*n : (i+1)*n]
		switch {
		case transB:
			// c[i,j] = Σ_k opA(i,k) · b[j,k]
			for j := 0; j < n; j++ {
				brow := b.Data[j*bc : j*bc+k]
				var sum float32
				if transA {
					for p, bv := range brow {
						sum += a.Data[p*ac+i] * bv
					}
				} else {
					arow := a.Data[i*ac : i*ac+k]
					for p, bv := range brow {
						sum += arow[p] * bv
					}
				}
				crow[j] = sum
			}
		default:
			for p := 0; p < k; p++ {
				var av float32
				if transA {
					av = a.Data[p*ac+i]
				} else {
					av = a.Data[i*ac+p]
				}
				if av == 0 {
					continue
				}
				brow := b.Data[p*bc : p*bc+n]
				for j, bv := range brow {
					crow[j] += av * bv
				}
			}
		}
	}
}
