package exchange

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/milkywaybrain/cryptoquery/internal/config"
	"github.com/milkywaybrain/cryptoquery/internal/connector"
	"github.com/milkywaybrain/cryptoquery/internal/failure"
	"github.com/milkywaybrain/cryptoquery/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Deps are the shared collaborators of every session of a feed.
type Deps struct {
	Catalog storage.Catalog
	Sinks   []storage.Sink
	Book    BookFetcher
}

// StartCoinbasePro is for starting the coinbase-pro ingestion of one configured feed.
// Every session starts from empty state. Config errors end it at once.
func StartCoinbasePro(appCtx context.Context, feed *config.Feed, connCfg *config.Connection, deps Deps) error {
	if deps.Book == nil {
		rest, err := connector.GetREST()
		if err != nil {
			logErrStack(err)
			return err
		}
		deps.Book = newRESTBook(rest, connCfg.REST.URL)
	}

	// If any error occurs or connection is lost, retry the session with a constant time gap.
	// With a configured number of retries, the retry counter is reset back to zero
	// if the elapsed time since the last retry is greater than the configured one.
	var retryCount int
	lastRetryTime := time.Now()

	session := func() (struct{}, error) {
		err := newCoinbasePro(appCtx, feed, connCfg, deps)
		if appCtx.Err() != nil {
			return struct{}{}, backoff.Permanent(appCtx.Err())
		}
		log.Error().Err(err).Str("exchange", feed.Name).Msg("error occurred")
		if !failure.IsRetriable(err) {
			return struct{}{}, backoff.Permanent(err)
		}

		if feed.Retry.Number > 0 {
			if feed.Retry.ResetSec == 0 || time.Since(lastRetryTime).Seconds() < float64(feed.Retry.ResetSec) {
				retryCount++
			} else {
				retryCount = 1
			}
			lastRetryTime = time.Now()
			if retryCount > feed.Retry.Number {
				return struct{}{}, backoff.Permanent(fmt.Errorf("not able to connect %v feed even after %v retry. please check the log for details", feed.Name, feed.Retry.Number))
			}
		} else {
			retryCount++
		}
		return struct{}{}, err
	}

	notify := func(_ error, wait time.Duration) {
		log.Error().Str("exchange", feed.Name).Int("retry", retryCount).Msg(fmt.Sprintf("restarting session in %v", wait))
	}

	_, err := backoff.Retry(appCtx, session,
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Duration(feed.Retry.GapSec)*time.Second)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if appCtx.Err() != nil {
		log.Info().Str("exchange", feed.Name).Msg("ctx canceled, return from StartCoinbasePro")
		return appCtx.Err()
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if err == nil {
		err = errors.Errorf("%v feed session ended without an error", feed.Name)
	}
	return err
}

type coinbasePro struct {
	name string
	feed *FeedConnection
	cfg  *config.Feed
	pipe *pipeline
}

// newCoinbasePro runs one session, it only returns with an error.
func newCoinbasePro(appCtx context.Context, feed *config.Feed, connCfg *config.Connection, deps Deps) error {

	// If the read loop fails, force the connection closer to stop too and vice versa.
	coinbaseProErrGroup, ctx := errgroup.WithContext(appCtx)

	c := coinbasePro{name: feed.Name, cfg: feed}

	// Table handles are resolved before the first frame is read.
	tables, err := resolveTables(deps.Catalog, feed.ProductIDs)
	if err != nil {
		logErrStack(err)
		return err
	}

	err = c.connectWs(ctx, &connCfg.WS)
	if err != nil {
		return err
	}

	c.pipe = newPipeline(feed, c.feed, deps.Book, deps.Sinks, tables)

	coinbaseProErrGroup.Go(func() error {
		return c.closeWsConnOnError(ctx)
	})

	coinbaseProErrGroup.Go(func() error {
		return c.readWs(ctx)
	})

	return coinbaseProErrGroup.Wait()
}

func (c *coinbasePro) connectWs(ctx context.Context, cfg *config.WS) error {
	c.feed = NewFeedConnection(cfg)
	err := c.feed.Connect(ctx, c.cfg.ProductIDs, c.cfg.Channels)
	if err != nil {
		if !errors.Is(err, ctx.Err()) {
			logErrStack(err)
		}
		return err
	}
	log.Info().Str("exchange", c.name).Strs("product_ids", c.cfg.ProductIDs).Strs("channels", c.cfg.Channels).Msg("websocket connected")
	return nil
}

// closeWsConnOnError closes websocket connection if there is any error in app context.
// This will unblock all read and writes on websocket.
func (c *coinbasePro) closeWsConnOnError(ctx context.Context) error {
	<-ctx.Done()
	err := c.feed.Close()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// readWs runs the ingestion loop until the first failure.
func (c *coinbasePro) readWs(ctx context.Context) error {
	err := c.pipe.run(ctx)
	if err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, ctx.Err()) {
			return ctx.Err()
		}
		logErrStack(err)
	}
	return err
}

// resolveTables looks up the three destination tables of every product.
func resolveTables(catalog storage.Catalog, productIDs []string) (map[tableKey]*storage.Table, error) {
	tables := make(map[tableKey]*storage.Table, 3*len(productIDs))
	for _, id := range productIDs {
		dataset := CanonicalProductID(id)
		for _, name := range []string{storage.TableTrades, storage.TableQuotes, storage.TableOrderBook} {
			t, err := catalog.Table(dataset, name)
			if err != nil {
				if errors.Is(err, storage.ErrTableNotFound) {
					return nil, failure.Wrap(failure.KindConfig, "catalog", err)
				}
				return nil, failure.Transport("catalog", err)
			}
			tables[tableKey{productID: dataset, table: name}] = t
		}
	}
	return tables, nil
}
