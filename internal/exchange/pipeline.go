package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/milkywaybrain/cryptoquery/internal/config"
	"github.com/milkywaybrain/cryptoquery/internal/failure"
	"github.com/milkywaybrain/cryptoquery/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// receiver hands out feed frames one at a time.
type receiver interface {
	ReceiveOne() (RawEvent, error)
}

type tableKey struct {
	productID string
	table     string
}

// pipeline is the sequential ingestion loop of one session:
// receive, normalize, guard, reconcile or buffer, then drain and write when a batch is full.
type pipeline struct {
	name              string
	feed              receiver
	book              BookFetcher
	sinks             []storage.Sink
	tables            map[tableKey]*storage.Table
	productIDs        map[string]string
	states            StateTable
	guard             SequenceGuard
	reconciler        OrderBookReconciler
	buffer            BatchBuffer
	batchSize         int
	restSnapshotEvery int64
	now               func() time.Time
}

func newPipeline(cfg *config.Feed, feed receiver, book BookFetcher, sinks []storage.Sink, tables map[tableKey]*storage.Table) *pipeline {
	ids := make(map[string]string, len(cfg.ProductIDs))
	for _, id := range cfg.ProductIDs {
		ids[CanonicalProductID(id)] = id
	}
	return &pipeline{
		name:              cfg.Name,
		feed:              feed,
		book:              book,
		sinks:             sinks,
		tables:            tables,
		productIDs:        ids,
		states:            make(StateTable, len(cfg.ProductIDs)),
		reconciler:        OrderBookReconciler{ChunkSize: cfg.SnapshotChunkSize},
		batchSize:         cfg.BatchSize,
		restSnapshotEvery: restSnapshotEvery(cfg),
		now:               time.Now,
	}
}

// restSnapshotEvery is zero when REST snapshots are disabled.
func restSnapshotEvery(cfg *config.Feed) int64 {
	if cfg.RESTSnapshotEvery == nil {
		return config.DefaultRESTSnapshotEvery
	}
	return *cfg.RESTSnapshotEvery
}

// run processes frames until the first error. Cancellation is checked between frames,
// a write in progress is never cut short.
func (p *pipeline) run(ctx context.Context) error {
	for {
		select {
		default:
			if err := p.step(ctx); err != nil {
				return err
			}

		// Return, if there is any error from another function or feed.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// step processes exactly one frame. It triggers at most one drain.
func (p *pipeline) step(ctx context.Context) error {
	raw, err := p.feed.ReceiveOne()
	if err != nil {
		return err
	}
	e, err := Normalize(raw, p.now())
	if err != nil {
		return err
	}

	switch e.Type {
	case TypeError:
		return failure.Protocol("feed", "%v, %v", e.Message, e.Reason)
	case TypeSubscriptions:
		for _, ch := range e.Channels {
			log.Info().Str("exchange", p.name).Str("channel", ch.Name).Strs("product_ids", ch.ProductIDs).Msg("channel subscribed")
		}
		return nil
	}

	table, ok := TableOf(e.Type)
	if !ok {
		return failure.Protocol("feed", "unknown message received %q: %v, %v", e.Type, e.Message, e.Reason)
	}
	if _, ok := p.productIDs[e.ProductID]; !ok {
		return failure.Protocol("feed", "%v message for unsubscribed product %q", e.Type, e.ProductID)
	}
	st := p.states.Get(e.ProductID)

	if _, err := p.guard.Check(st, &e); err != nil {
		return err
	}

	switch e.Type {
	case TypeSnapshot:
		if err := p.reconciler.AddSnapshot(st, &e); err != nil {
			return err
		}
		log.Debug().Str("exchange", p.name).Str("product_id", e.ProductID).Time("time", e.Time).Msg("orderbook snapshot received")
	case TypeL2Update:
		p.reconciler.AddUpdate(st, p.buffer, &e)
	default:
		p.buffer.Append(st, table, e.Row())
		if p.restSnapshotEvery > 0 && *e.Sequence%p.restSnapshotEvery == 0 {
			if err := p.fetchSnapshot(ctx, st, e.ProductID); err != nil {
				return err
			}
		}
	}

	if p.buffer.Size(st, table) > p.batchSize {
		return p.drain(ctx, st, e.ProductID, table)
	}
	return nil
}

// fetchSnapshot loads the REST order book and makes it the pending snapshot.
func (p *pipeline) fetchSnapshot(ctx context.Context, st *InstrumentState, productID string) error {
	snap, err := p.book.FetchBook(ctx, p.productIDs[productID])
	if err != nil {
		return err
	}
	if err := p.reconciler.AddSnapshot(st, &snap); err != nil {
		return err
	}
	log.Debug().Str("exchange", p.name).Str("product_id", productID).Time("time", snap.Time).Msg("REST orderbook snapshot received")
	return nil
}

// drain empties one batch and writes it to every sink.
func (p *pipeline) drain(ctx context.Context, st *InstrumentState, productID string, table string) error {
	var calls [][]storage.Row
	if table == storage.TableOrderBook {
		calls = p.reconciler.Drain(st, p.buffer)
	} else {
		calls = [][]storage.Row{p.buffer.Drain(st, table)}
	}

	t := p.tables[tableKey{productID: productID, table: table}]
	if t == nil {
		return failure.Config("write", "no table handle for %v.%v", productID, table)
	}
	for _, rows := range calls {
		if err := p.write(ctx, t, rows); err != nil {
			return err
		}
	}
	return nil
}

// write commits rows to each sink in order. The write is not cancelled with ctx.
func (p *pipeline) write(ctx context.Context, t *storage.Table, rows []storage.Row) error {
	if len(p.sinks) == 0 {
		log.Warn().Str("exchange", p.name).Str("table", t.FlatName()).Int("rows", len(rows)).Msg("batch dropped, feed has no storages")
		return nil
	}
	writeCtx := context.WithoutCancel(ctx)
	for _, sink := range p.sinks {
		rowErrs, err := sink.Commit(writeCtx, t, rows)
		if err != nil {
			if failure.KindOf(err) == failure.KindUnknown {
				err = failure.Write("commit", err)
			}
			return err
		}
		if len(rowErrs) > 0 {
			msgs := make([]string, 0, len(rowErrs))
			for _, re := range rowErrs {
				msgs = append(msgs, re.String())
			}
			return failure.Write("commit", errors.Errorf("%d of %d rows rejected for %v: %v", len(rowErrs), len(rows), t.FlatName(), strings.Join(msgs, ", ")))
		}
	}
	log.Info().Str("exchange", p.name).Str("table", t.FlatName()).Int("rows", len(rows)).Msg("batch written")
	return nil
}
