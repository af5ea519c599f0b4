package processor

// workers.go — pool de workers para la ingesta de fee events.
//
// Los eventos de un mismo pagador van siempre al mismo worker (hash del id),
// así un upgrade nunca adelanta al join que lo habilita. El limiter de
// intake protege al store cuando llega un lote grande.

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"

	"github.com/alejandrodnm/slotmatrix/internal/domain"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Outcome empareja un evento enviado con su resultado.
type Outcome struct {
	Event  domain.FeeEvent
	Result Result
	Err    error
}

// Serve consume eventos hasta que el canal se cierra o ctx se cancela. Cada
// outcome se envía a out si no es nil. Los errores por evento van en el
// outcome, nunca se devuelven.
func (p *Processor) Serve(ctx context.Context, events <-chan domain.FeeEvent, out chan<- Outcome) error {
	limiter := p.limiter()
	lanes := make([]chan domain.FeeEvent, p.cfg.Workers)
	for i := range lanes {
		lanes[i] = make(chan domain.FeeEvent, 16)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, lane := range lanes {
		lane := lane
		g.Go(func() error {
			for ev := range lane {
				res, err := p.Submit(gctx, ev)
				if out != nil {
					select {
					case out <- Outcome{Event: ev, Result: res, Err: err}:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, lane := range lanes {
				close(lane)
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				select {
				case lanes[laneFor(ev.Payer, len(lanes))] <- ev:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})

	err := g.Wait()
	slog.Debug("processor: intake stopped", "workers", len(lanes), "err", err)
	return err
}

// SubmitAll pasa events por el pool de workers y devuelve los outcomes en el
// orden de entrada.
func (p *Processor) SubmitAll(ctx context.Context, events []domain.FeeEvent) ([]Outcome, error) {
	in := make(chan domain.FeeEvent)
	out := make(chan Outcome, len(events))

	errCh := make(chan error, 1)
	go func() { errCh <- p.Serve(ctx, in, out) }()

	go func() {
		defer close(in)
		for _, ev := range events {
			select {
			case in <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	err := <-errCh
	close(out)

	byID := make(map[string][]Outcome, len(events))
	for o := range out {
		byID[o.Event.ID] = append(byID[o.Event.ID], o)
	}
	outcomes := make([]Outcome, 0, len(events))
	for _, ev := range events {
		if q := byID[ev.ID]; len(q) > 0 {
			outcomes = append(outcomes, q[0])
			byID[ev.ID] = q[1:]
		}
	}
	return outcomes, err
}

func (p *Processor) limiter() *rate.Limiter {
	if p.cfg.IntakeRate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(math.Max(1, math.Ceil(p.cfg.IntakeRate)))
	return rate.NewLimiter(rate.Limit(p.cfg.IntakeRate), burst)
}

func laneFor(payer string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(payer))
	return int(h.Sum32() % uint32(n))
}
