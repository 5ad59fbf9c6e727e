package initializer

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/milkywaybrain/cryptoquery/internal/config"
	"github.com/milkywaybrain/cryptoquery/internal/connector"
	"github.com/milkywaybrain/cryptoquery/internal/exchange"
	"github.com/milkywaybrain/cryptoquery/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Start will initialize various required systems and then execute the app.
func Start(mainCtx context.Context, cfg *config.Config) error {
	logOut, err := logWriter(&cfg.Log)
	if err != nil {
		return err
	}
	defer logOut.Close()
	setupLogger(logOut, cfg.Log.Level)
	log.Info().Msg("logger setup is done")

	// Establish connections to different storage systems and connectors.
	rest := connector.InitREST(&cfg.Connection.REST)
	sinks, catalog, err := initStorages(cfg, rest)
	if err != nil {
		log.Error().Stack().Err(errors.WithStack(err)).Msg("")
		return err
	}

	// Start each feed pipeline. If any feed fails after retry, force all the other feeds to stop and
	// exit the app.
	appErrGroup, appCtx := errgroup.WithContext(mainCtx)

	for i := range cfg.Feeds {
		feed := &cfg.Feeds[i]
		deps := exchange.Deps{Catalog: catalog, Sinks: sinks[i]}
		appErrGroup.Go(func() error {
			return exchange.StartCoinbasePro(appCtx, feed, &cfg.Connection, deps)
		})
	}

	err = appErrGroup.Wait()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("exiting the app")
			return nil
		}
		log.Error().Msg("exiting the app")
		return err
	}
	return nil
}

// logWriter opens the log destination.
// If the path given in the config for logging ends with .log then that file is used. Otherwise, a new log file
// with a timestamp attached to its name is created in the given path. An empty path logs to stderr.
func logWriter(cfg *config.Log) (io.WriteCloser, error) {
	if cfg.FilePath == "" {
		return nopCloser{os.Stderr}, nil
	}
	path := cfg.FilePath
	if !strings.HasSuffix(path, ".log") {
		path = path + "_" + strconv.Itoa(int(time.Now().Unix())) + ".log"
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.Errorf("not able to open or create log file: %v", path)
	}
	f.Close()
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func setupLogger(out io.Writer, level string) {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	switch level {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// initStorages connects every storage named by a feed and returns the sinks of each feed, in config order.
// The result is indexed like cfg.Feeds.
func initStorages(cfg *config.Config, rest *connector.REST) ([][]storage.Sink, storage.Catalog, error) {
	var (
		bq    *storage.StreamingWriter
		sql   *storage.MySQL
		es    *storage.ElasticSearch
		ter   *storage.Terminal
		err   error
		catID = cfg.Connection.BigQuery.ProjectID
	)
	sinks := make([][]storage.Sink, len(cfg.Feeds))
	for i, feed := range cfg.Feeds {
		for _, str := range feed.Storages {
			switch str {
			case config.StorageBigQuery:
				if bq == nil {
					var projectID string
					bq, projectID, err = initBigQuery(&cfg.Connection.BigQuery, rest)
					if err != nil {
						return nil, nil, errors.Wrap(err, "bigquery connection")
					}
					catID = projectID
					log.Info().Str("project_id", projectID).Msg("bigquery connected")
				}
				sinks[i] = append(sinks[i], bq)
			case config.StorageMySQL:
				if sql == nil {
					sql, err = storage.InitMySQL(&cfg.Connection.MySQL)
					if err != nil {
						return nil, nil, errors.Wrap(err, "mysql connection")
					}
					log.Info().Msg("mysql connected")
				}
				sinks[i] = append(sinks[i], sql)
			case config.StorageElasticSearch:
				if es == nil {
					es, err = storage.InitElasticSearch(&cfg.Connection.ES)
					if err != nil {
						return nil, nil, errors.Wrap(err, "elastic search connection")
					}
					log.Info().Msg("elastic search connected")
				}
				sinks[i] = append(sinks[i], es)
			case config.StorageTerminal:
				if ter == nil {
					ter = storage.InitTerminal(os.Stdout)
					log.Info().Msg("terminal connected")
				}
				sinks[i] = append(sinks[i], ter)
			}
		}
	}
	return sinks, storage.StaticCatalog{ProjectID: catID}, nil
}

// initBigQuery prepares the token provider and streaming writer from the service file.
// The configured project id wins over the one in the service file.
func initBigQuery(cfg *config.BigQuery, rest *connector.REST) (*storage.StreamingWriter, string, error) {
	account, err := storage.LoadServiceAccount(cfg.ServiceFile)
	if err != nil {
		return nil, "", err
	}
	tokens, err := storage.NewTokenProvider(rest, account, cfg.TokenURL, cfg.Scopes)
	if err != nil {
		return nil, "", err
	}
	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = account.ProjectID
	}
	return storage.NewStreamingWriter(rest, tokens, cfg), projectID, nil
}
