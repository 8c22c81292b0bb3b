// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/gomlx/devign/internal/parallel"
	"github.com/gomlx/devign/pkg/graphs"
)

// DefaultBatchCacheSize is the number of built batches a sequential Split keeps around.
const DefaultBatchCacheSize = 256

// Split iterates over a list of examples in batches of batchSize graphs. It implements train.Dataset.
//
// A shuffled Split reshuffles at every epoch and, if it is infinite, never returns io.EOF: this is the
// mode used for training. Sequential splits (valid/test) return io.EOF at the end, and keep their built
// batches in an LRU cache, since they are iterated over many times with the same batch boundaries.
//
// It is safe for concurrent use.
type Split struct {
	name                      string
	examples                  []*graphs.Example
	featureSize, numEdgeTypes int
	batchSize                 int
	shuffle, infinite         bool

	mu       sync.Mutex
	rng      *rand.Rand
	order    []int
	next     int
	epoch    int
	cache    *lru.Cache[int, *graphs.Batch]
	minNodes int
}

// SplitOption configures NewSplit.
type SplitOption func(*Split)

// Shuffled makes the split reshuffle its examples at every epoch, using the given seed.
func Shuffled(seed uint64) SplitOption {
	return func(s *Split) {
		s.shuffle = true
		s.rng = rand.New(rand.NewPCG(seed, seed))
	}
}

// Infinite makes the split loop over epochs forever.
func Infinite() SplitOption {
	return func(s *Split) { s.infinite = true }
}

// MinNodes sets the minimum number of padded nodes per graph of the generated batches.
func MinNodes(n int) SplitOption {
	return func(s *Split) { s.minNodes = n }
}

// NewSplit creates a Split over the examples.
func NewSplit(name string, examples []*graphs.Example, featureSize, numEdgeTypes, batchSize int,
	opts ...SplitOption) (*Split, error) {
	if batchSize <= 0 {
		return nil, errors.Wrapf(graphs.ErrConfiguration, "batch size must be > 0, got %d", batchSize)
	}
	s := &Split{
		name:         name,
		examples:     examples,
		featureSize:  featureSize,
		numEdgeTypes: numEdgeTypes,
		batchSize:    batchSize,
		minNodes:     graphs.DefaultMinNodes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.shuffle {
		var err error
		s.cache, err = lru.New[int, *graphs.Batch](DefaultBatchCacheSize)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create batch cache for split %q", name)
		}
	}
	s.order = make([]int, len(examples))
	for ii := range s.order {
		s.order[ii] = ii
	}
	s.startEpoch()
	return s, nil
}

// Name implements train.Dataset.
func (s *Split) Name() string { return s.name }

// Len returns the number of examples.
func (s *Split) Len() int { return len(s.examples) }

// NumBatches in one epoch.
func (s *Split) NumBatches() int { return (len(s.examples) + s.batchSize - 1) / s.batchSize }

// BatchSize returns the configured number of graphs per batch.
func (s *Split) BatchSize() int { return s.batchSize }

// Epoch returns the number of completed epochs.
func (s *Split) Epoch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Reset implements train.Dataset: it restarts from the first batch.
func (s *Split) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startEpoch()
}

// startEpoch must be called with s.mu held.
func (s *Split) startEpoch() {
	s.next = 0
	if s.shuffle {
		s.rng.Shuffle(len(s.order), func(i, j int) { s.order[i], s.order[j] = s.order[j], s.order[i] })
	}
}

// NextBatch returns the next host-side batch, or io.EOF at the end of a finite split.
func (s *Split) NextBatch() (*graphs.Batch, error) {
	s.mu.Lock()
	if s.next >= len(s.order) {
		if !s.infinite || len(s.order) == 0 {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.epoch++
		s.startEpoch()
	}
	start := s.next
	end := min(start+s.batchSize, len(s.order))
	s.next = end
	if s.next >= len(s.order) && !s.infinite {
		s.epoch++
	}
	batchIdx := start / s.batchSize
	examples := make([]*graphs.Example, end-start)
	for ii, exampleIdx := range s.order[start:end] {
		examples[ii] = s.examples[exampleIdx]
	}
	s.mu.Unlock()

	if s.cache != nil {
		if batch, found := s.cache.Get(batchIdx); found {
			return batch, nil
		}
	}
	batch, err := graphs.NewBatch(examples, s.featureSize, s.numEdgeTypes,
		graphs.WithPadGraphs(s.batchSize), graphs.WithMinNodes(s.minNodes))
	if err != nil {
		return nil, errors.WithMessagef(err, "split %q, batch #%d", s.name, batchIdx)
	}
	if s.cache != nil {
		s.cache.Add(batchIdx, batch)
	}
	return batch, nil
}

// Yield implements train.Dataset.
func (s *Split) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	batch, err := s.NextBatch()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs, labels = batch.Tensors()
	return nil, inputs, labels, nil
}

var _ train.Dataset = (*Split)(nil)

// Prefetched wraps a Split and builds its next batches in a background goroutine.
type Prefetched struct {
	split *Split
	depth int
	stop  chan struct{}
	ch    <-chan parallel.Result[*graphs.Batch]
}

// NewPrefetched starts prefetching depth batches ahead from split. Call Close when done.
func NewPrefetched(split *Split, depth int) *Prefetched {
	p := &Prefetched{split: split, depth: depth}
	p.start()
	return p
}

func (p *Prefetched) start() {
	p.stop = make(chan struct{})
	p.ch = parallel.Prefetch(p.depth, p.split.NextBatch, p.stop)
}

// Name implements train.Dataset.
func (p *Prefetched) Name() string { return p.split.Name() }

// Yield implements train.Dataset.
func (p *Prefetched) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	result, ok := <-p.ch
	if !ok {
		return nil, nil, nil, io.EOF
	}
	if result.Err != nil {
		return nil, nil, nil, result.Err
	}
	inputs, labels = result.Value.Tensors()
	return nil, inputs, labels, nil
}

// Reset implements train.Dataset.
func (p *Prefetched) Reset() {
	p.Close()
	p.split.Reset()
	p.start()
}

// Close stops the background goroutine.
func (p *Prefetched) Close() {
	close(p.stop)
	for range p.ch {
		// Drain so the producer can exit.
	}
}

var _ train.Dataset = (*Prefetched)(nil)
