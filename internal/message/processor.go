package message

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"pushclient/internal/eventbus"
	"pushclient/internal/fault"
	"pushclient/internal/runtime/pqueue"
	"pushclient/internal/runtime/timers"
	logx "pushclient/pkg/logx"
)

// Wildcard handlers receive every message type.
const Wildcard = "*"

const timerTick = "tick"

var ErrAlreadyRunning = errors.New("message processor already running")

type Config struct {
	MaxFrameBytes  int
	QueueSize      int
	BatchSize      int
	TickInterval   time.Duration
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrame
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Second
	}
	return c
}

type Handler interface {
	Handle(ctx context.Context, m Message) error
}

type HandlerFunc func(ctx context.Context, m Message) error

func (f HandlerFunc) Handle(ctx context.Context, m Message) error { return f(ctx, m) }

// Stats are cumulative counters since construction.
type Stats struct {
	Received      uint64 `json:"received"`
	ParseErrors   uint64 `json:"parse_errors"`
	Invalid       uint64 `json:"invalid"`
	Unknown       uint64 `json:"unknown"`
	Overflow      uint64 `json:"overflow"`
	Dispatched    uint64 `json:"dispatched"`
	HandlerErrors uint64 `json:"handler_errors"`
	Queued        int    `json:"queued"`
}

type registration struct {
	id uint64
	h  Handler
}

type Processor struct {
	cfg    Config
	bus    eventbus.Bus
	log    logx.Logger
	timers *timers.Set
	now    func() time.Time

	hmu      sync.RWMutex
	handlers map[string][]registration
	hseq     uint64

	ticks   chan struct{}
	batches chan struct{}
	frames  chan eventbus.FrameReceived
	running atomic.Bool
	inbatch sync.WaitGroup

	received, parseErrs, invalid, unknown atomic.Uint64
	overflow, dispatched, handlerErrs     atomic.Uint64
	queued                                atomic.Int64
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{
		cfg:      cfg.withDefaults(),
		bus:      bus,
		log:      log.With(logx.String("comp", "message")),
		timers:   timers.New(),
		now:      time.Now,
		handlers: map[string][]registration{},
		ticks:    make(chan struct{}, 1),
		batches:  make(chan struct{}, 1),
		frames:   make(chan eventbus.FrameReceived, 256),
	}
}

// Register adds h for msgType (or Wildcard) and returns a function that
// removes it.
func (p *Processor) Register(msgType string, h Handler) (unregister func()) {
	p.hmu.Lock()
	p.hseq++
	id := p.hseq
	p.handlers[msgType] = append(p.handlers[msgType], registration{id: id, h: h})
	p.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.hmu.Lock()
			defer p.hmu.Unlock()
			regs := p.handlers[msgType]
			for i, r := range regs {
				if r.id == id {
					p.handlers[msgType] = append(regs[:i:i], regs[i+1:]...)
					break
				}
			}
		})
	}
}

func (p *Processor) handlersFor(msgType string) []Handler {
	p.hmu.RLock()
	defer p.hmu.RUnlock()
	out := make([]Handler, 0, len(p.handlers[msgType])+len(p.handlers[Wildcard]))
	for _, r := range p.handlers[msgType] {
		out = append(out, r.h)
	}
	for _, r := range p.handlers[Wildcard] {
		out = append(out, r.h)
	}
	return out
}

func (p *Processor) Stats() Stats {
	return Stats{
		Received:      p.received.Load(),
		ParseErrors:   p.parseErrs.Load(),
		Invalid:       p.invalid.Load(),
		Unknown:       p.unknown.Load(),
		Overflow:      p.overflow.Load(),
		Dispatched:    p.dispatched.Load(),
		HandlerErrors: p.handlerErrs.Load(),
		Queued:        int(p.queued.Load()),
	}
}

// Submit feeds a raw frame into the pipeline directly, bypassing the bus.
func (p *Processor) Submit(ctx context.Context, data string) error {
	select {
	case p.frames <- eventbus.FrameReceived{Data: data, At: p.now()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run parses frames from the bus in receipt order and dispatches queued
// messages every tick until ctx is cancelled. Handlers still running when
// Run returns are given their timeout to finish.
func (p *Processor) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	var frames <-chan eventbus.Event
	if p.bus != nil {
		ch, unsub := p.bus.Subscribe(256, eventbus.KindFrame)
		defer unsub()
		frames = ch
	}

	queue := pqueue.New[Message](p.cfg.QueueSize)
	busy := false
	p.armTick()
	defer func() {
		p.timers.CancelAll()
		p.inbatch.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if f, ok := ev.Payload.(eventbus.FrameReceived); ok {
				p.ingest(queue, f)
			}
		case f := <-p.frames:
			p.ingest(queue, f)
		case <-p.ticks:
			if !busy && queue.Len() > 0 {
				batch := make([]Message, 0, p.cfg.BatchSize)
				for len(batch) < p.cfg.BatchSize {
					m, ok := queue.Pop()
					if !ok {
						break
					}
					batch = append(batch, m)
				}
				p.queued.Store(int64(queue.Len()))
				busy = true
				p.inbatch.Add(1)
				go p.dispatch(ctx, batch)
			}
			p.armTick()
		case <-p.batches:
			busy = false
		}
	}
}

func (p *Processor) armTick() {
	p.timers.Schedule(timerTick, p.cfg.TickInterval, func() {
		select {
		case p.ticks <- struct{}{}:
		default:
		}
	})
}

func (p *Processor) ingest(queue *pqueue.Queue[Message], f eventbus.FrameReceived) {
	p.received.Add(1)
	at := f.At
	if at.IsZero() {
		at = p.now()
	}
	m, err := Parse([]byte(f.Data), p.cfg.MaxFrameBytes, at)
	if err != nil {
		reason := "parse"
		if fault.KindOf(err) == fault.KindValidation {
			reason = "validation"
			p.invalid.Add(1)
		} else {
			p.parseErrs.Add(1)
		}
		p.log.Debug("frame dropped", logx.String("reason", reason), logx.Err(err))
		if p.bus != nil {
			p.bus.Publish(eventbus.MessageDropped{Reason: reason, Err: err.Error()})
		}
		return
	}
	if !m.Known() {
		p.unknown.Add(1)
		p.log.Info("unknown message type passed through", logx.String("type", m.Type))
	}
	if old, evicted := queue.Push(m, m.Priority); evicted {
		p.overflow.Add(1)
		p.log.Warn("message queue full, dropped oldest", logx.String("type", old.Type), logx.Int("size", p.cfg.QueueSize))
		if p.bus != nil {
			p.bus.Publish(eventbus.MessageDropped{Reason: "overflow", Type: old.Type})
		}
	}
	p.queued.Store(int64(queue.Len()))
}

// dispatch runs every handler of every message concurrently and waits for
// all of them; only then is the next batch released.
func (p *Processor) dispatch(ctx context.Context, batch []Message) {
	defer p.inbatch.Done()
	var wg sync.WaitGroup
	for _, m := range batch {
		handlers := p.handlersFor(m.Type)
		p.dispatched.Add(1)
		for _, h := range handlers {
			wg.Add(1)
			go func(h Handler, m Message) {
				defer wg.Done()
				if err := p.invoke(ctx, h, m); err != nil {
					p.handlerErrs.Add(1)
					p.log.Warn("message handler failed", logx.String("type", m.Type), logx.Err(err))
				}
			}(h, m)
		}
	}
	wg.Wait()
	select {
	case p.batches <- struct{}{}:
	default:
	}
}

// invoke bounds a handler by HandlerTimeout. A handler that ignores its
// context is abandoned, not waited for.
func (p *Processor) invoke(parent context.Context, h Handler, m Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.cfg.HandlerTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("message handler panicked", logx.String("type", m.Type), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- h.Handle(ctx, m)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("handler timed out: %w", ctx.Err())
	}
}
