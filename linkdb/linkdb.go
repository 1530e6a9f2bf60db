// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package linkdb stores the outcome of DisplayPort link trainings
// into a MySQL database.
package linkdb // import "github.com/go-lpc/dplink/linkdb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-lpc/dplink/dpcd"
	"github.com/go-lpc/dplink/dptx"
	_ "github.com/go-sql-driver/mysql"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// DB records link trainings and retrieves the training history of sinks.
type DB struct {
	db   *sql.DB
	name string
}

// Open opens a connection to the link database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("linkdb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("linkdb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("linkdb: could not ping db %q: %w", dbname, err)
	}
	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Training is a row of the trainings table.
type Training struct {
	Sink      string
	Date      time.Time
	Mode      string
	Requested dptx.LinkConfig
	Link      dptx.LinkConfig
	Attempts  int
	Trained   bool
	Duration  time.Duration
	Err       string
}

// Record stores the outcome of a link training.
func (db *DB) Record(ctx context.Context, rep dptx.Report) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var msg string
	if rep.Err != nil {
		msg = rep.Err.Error()
	}

	_, err := db.db.ExecContext(ctx,
		"INSERT INTO trainings (sink, date, mode, req_lanes, req_rate, lanes, rate, attempts, trained, duration, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rep.Sink, rep.Start.UTC(), rep.Mode.String(),
		rep.Requested.Lanes, int64(rep.Requested.Rate),
		rep.Link.Lanes, int64(rep.Link.Rate),
		len(rep.Attempts), rep.Link.Trained,
		rep.Duration.Microseconds(), msg,
	)
	if err != nil {
		return fmt.Errorf("linkdb: could not record training of %q: %w", rep.Sink, err)
	}
	return nil
}

// Trainings returns the n most recent trainings of the provided sink.
func (db *DB) Trainings(ctx context.Context, sink string, n int) ([]Training, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(ctx,
		"SELECT date, mode, req_lanes, req_rate, lanes, rate, attempts, trained, duration, error FROM trainings WHERE sink=? ORDER BY date DESC LIMIT ?",
		sink, n,
	)
	if err != nil {
		return nil, fmt.Errorf("linkdb: could not query trainings of %q: %w", sink, err)
	}
	defer rows.Close()

	var trains []Training
	for rows.Next() {
		var (
			tr   = Training{Sink: sink}
			rreq uint8
			rate uint8
			dt   int64
		)
		err = rows.Scan(
			&tr.Date, &tr.Mode,
			&tr.Requested.Lanes, &rreq,
			&tr.Link.Lanes, &rate,
			&tr.Attempts, &tr.Trained, &dt, &tr.Err,
		)
		if err != nil {
			return nil, fmt.Errorf("linkdb: could not scan training of %q: %w", sink, err)
		}
		tr.Requested.Rate = dpcd.Rate(rreq)
		tr.Link.Rate = dpcd.Rate(rate)
		tr.Duration = time.Duration(dt) * time.Microsecond
		trains = append(trains, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("linkdb: could not scan db: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("linkdb: context error: %w", err)
	}

	return trains, nil
}

// LastLink returns the last link configuration a sink was successfully
// trained at.
func (db *DB) LastLink(ctx context.Context, sink string) (dptx.LinkConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var link dptx.LinkConfig
	rows, err := db.db.QueryContext(ctx,
		"SELECT lanes, rate FROM trainings WHERE sink=? AND trained=1 ORDER BY date DESC LIMIT 1",
		sink,
	)
	if err != nil {
		return link, fmt.Errorf("linkdb: could not query last link of %q: %w", sink, err)
	}
	defer rows.Close()

	var (
		rate  uint8
		found bool
	)
	for rows.Next() {
		err = rows.Scan(&link.Lanes, &rate)
		if err != nil {
			return link, fmt.Errorf("linkdb: could not scan last link of %q: %w", sink, err)
		}
		found = true
	}

	if err := rows.Err(); err != nil {
		return link, fmt.Errorf("linkdb: could not scan db: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return link, fmt.Errorf("linkdb: context error: %w", err)
	}

	if !found {
		return link, fmt.Errorf("linkdb: no trained link for %q: %w", sink, sql.ErrNoRows)
	}
	link.Rate = dpcd.Rate(rate)

	return link, nil
}
