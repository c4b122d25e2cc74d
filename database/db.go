/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/blnkfinance/payflow/config"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("payflow.database")

// querier is satisfied by both *sql.DB and *sql.Tx so read statements are shared.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Datasource struct {
	Conn             *sql.DB
	statementTimeout time.Duration
	lockTimeout      time.Duration
}

// NewDataSource opens the pool described by the configuration.
func NewDataSource(configuration *config.Configuration) (*Datasource, error) {
	con, err := ConnectDB(configuration.DataSource)
	if err != nil {
		return nil, err
	}
	return NewDataSourceFromConn(con,
		time.Duration(configuration.DataSource.StatementTimeoutMs)*time.Millisecond,
		time.Duration(configuration.DataSource.LockTimeoutMs)*time.Millisecond,
	), nil
}

func NewDataSourceFromConn(conn *sql.DB, statementTimeout, lockTimeout time.Duration) *Datasource {
	return &Datasource{Conn: conn, statementTimeout: statementTimeout, lockTimeout: lockTimeout}
}

// ConnectDB establishes a database connection with pooling.
func ConnectDB(cfg config.DataSourceConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Dns)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = db.PingContext(ctx); err != nil {
		log.Printf("Database connection error: %v", err)
		_ = db.Close()
		return nil, err
	}

	log.Println("Database connection established")
	return db, nil
}

func (d *Datasource) Ping(ctx context.Context) error {
	return d.Conn.PingContext(ctx)
}

func (d *Datasource) Close() error {
	return d.Conn.Close()
}

// WithTx runs fn in a transaction bounded by statement and lock timeouts. fn's error
// rolls the transaction back and is returned unchanged; driver errors are mapped to the
// package sentinels.
func (d *Datasource) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ctx, span := tracer.Start(ctx, "WithTx")
	defer span.End()

	sqlTx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return mapError(err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if d.statementTimeout > 0 || d.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d; SET LOCAL lock_timeout = %d",
			d.statementTimeout.Milliseconds(), d.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return mapError(err)
		}
	}

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		span.RecordError(err)
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		span.RecordError(err)
		return mapError(err)
	}
	return nil
}

// pgTx implements Tx over a *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}
