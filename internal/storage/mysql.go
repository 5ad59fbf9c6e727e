package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	// Registers the mysql driver for database/sql.
	_ "github.com/go-sql-driver/mysql"
	"github.com/milkywaybrain/cryptoquery/internal/config"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// MySQL is for connecting and inserting data to mysql.
// Every destination table maps to one mysql table named <dataset>_<table>.
type MySQL struct {
	DB  *sql.DB
	Cfg *config.MySQL
}

var mysql MySQL

// Go time gives Z00:00, mysql timestamp needs +00:00 for UTC.
const mysqlTimestamp = "2006-01-02T15:04:05.999999+00:00"

// InitMySQL initializes mysql connection with configured values.
func InitMySQL(cfg *config.MySQL) (*MySQL, error) {
	if mysql.DB == nil {
		dataSourceName := cfg.User + ":" + cfg.Password + cfg.URL + "/" + cfg.Schema
		db, err := sql.Open("mysql", dataSourceName)
		if err != nil {
			return nil, err
		}
		db.SetConnMaxLifetime(time.Second * time.Duration(cfg.ConnMaxLifetimeSec))
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)

		var ctx context.Context
		if cfg.ReqTimeoutSec > 0 {
			timeoutCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ReqTimeoutSec)*time.Second)
			ctx = timeoutCtx
			defer cancel()
		} else {
			ctx = context.Background()
		}
		err = db.PingContext(ctx)
		if err != nil {
			return nil, err
		}
		mysql = MySQL{
			DB:  db,
			Cfg: cfg,
		}
	}
	return &mysql, nil
}

// GetMySQL returns already prepared mysql instance.
func GetMySQL() *MySQL {
	return &mysql
}

// Commit batch inserts rows with one multi row statement.
// The statement either succeeds for every row or fails as a whole, so no row errors are reported.
func (m *MySQL) Commit(appCtx context.Context, table *Table, rows []Row) ([]RowError, error) {
	if len(rows) == 0 {
		return []RowError{}, nil
	}
	query, args, err := insertStatement(table, rows)
	if err != nil {
		return nil, err
	}
	var ctx context.Context
	if m.Cfg.ReqTimeoutSec > 0 {
		timeoutCtx, cancel := context.WithTimeout(appCtx, time.Duration(m.Cfg.ReqTimeoutSec)*time.Second)
		ctx = timeoutCtx
		defer cancel()
	} else {
		ctx = appCtx
	}
	_, err = m.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "mysql insert into %v", table.FlatName())
	}
	return []RowError{}, nil
}

// insertStatement builds the parameterized insert for rows, columns in schema order.
func insertStatement(table *Table, rows []Row) (string, []interface{}, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO `")
	sb.WriteString(table.FlatName())
	sb.WriteString("`(")
	for i, f := range table.Schema {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("`" + f.Name + "`")
	}
	sb.WriteString(") VALUES ")

	holders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(table.Schema)), ", ") + ")"
	args := make([]interface{}, 0, len(rows)*len(table.Schema))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(holders)
		for _, f := range table.Schema {
			v, err := mysqlValue(row[f.Name])
			if err != nil {
				return "", nil, errors.Wrapf(err, "row %d field %v", i, f.Name)
			}
			args = append(args, v)
		}
	}
	return sb.String(), args, nil
}

// mysqlValue converts a row value to a driver value.
// Decimals go as strings so DECIMAL columns keep every digit.
func mysqlValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return val.UTC().Format(mysqlTimestamp), nil
	case *time.Time:
		if val == nil {
			return nil, nil
		}
		return val.UTC().Format(mysqlTimestamp), nil
	case decimal.Decimal:
		return val.String(), nil
	case decimal.NullDecimal:
		if !val.Valid {
			return nil, nil
		}
		return val.Decimal.String(), nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64, uint64, string, bool, float64:
		return val, nil
	}
	return nil, errors.Errorf("unsupported value type %T", v)
}
