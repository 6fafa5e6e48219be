package discovery

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
)

// Service runs a set of producers and fans their observations into one
// event channel. Producers are isolated from one another: one returning an
// error or panicking is logged and does not stop the rest.
type Service struct {
	producers []Producer
	logger    *log.Logger
	events    chan Event

	startOnce sync.Once
}

// NewService creates a discovery service over the given producers.
func NewService(logger *log.Logger, producers ...Producer) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		producers: producers,
		logger:    logger.With("component", "discovery"),
		events:    make(chan Event, 16),
	}
}

// Events returns the merged event stream. The channel is closed once all
// producers have stopped after Start's context is cancelled.
func (s *Service) Events() <-chan Event { return s.events }

// Start launches every producer and returns immediately.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		var wg sync.WaitGroup
		for _, p := range s.producers {
			wg.Add(1)
			go func(p Producer) {
				defer wg.Done()
				s.runProducer(ctx, p)
			}(p)
		}
		go func() {
			wg.Wait()
			close(s.events)
		}()
		s.logger.Info("started", "producers", len(s.producers))
	})
}

// runProducer runs one producer to completion, containing panics so a
// broken producer cannot take the others down with it.
func (s *Service) runProducer(ctx context.Context, p Producer) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("producer panicked", "producer", p.Name(), "panic", r)
		}
	}()

	if err := p.Run(ctx, s.events); err != nil && ctx.Err() == nil {
		s.logger.Error("producer stopped", "producer", p.Name(), "err", err)
	}
}
