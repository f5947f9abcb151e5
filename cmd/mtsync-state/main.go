// mtsync-state inspects and edits the persisted counter checkpoint of an
// account. Counter surgery is occasionally needed when a client database
// was restored from backup and the server state ran ahead of it.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"

	"github.com/k0kubun/pp/v3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mau.fi/util/dbutil"

	"github.com/QRpeachKZ/mtsync/pkg/store"
	"github.com/QRpeachKZ/mtsync/pkg/updates"
)

func main() {
	var (
		dbPath    = flag.String("db", "mtsync.db", "path to the state database")
		accountID = flag.Int64("account", 0, "account ID")
		setPts    = flag.Int("set-pts", -1, "overwrite pts (-1 leaves it unchanged)")
		setQts    = flag.Int("set-qts", -1, "overwrite qts (-1 leaves it unchanged)")
		setDate   = flag.Int("set-date", -1, "overwrite date (-1 leaves it unchanged)")
		setSeq    = flag.Int("set-seq", -1, "overwrite seq (-1 leaves it unchanged)")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	ctx := context.Background()

	rawDB, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		panic(err)
	}
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		panic(err)
	}
	dbLog := dbutil.ZeroLogger(log.Logger)
	db.Log = dbLog

	container := store.NewStore(db, dbLog)
	if err := container.Upgrade(ctx); err != nil {
		panic(err)
	}

	stateStore := container.GetStateStore(*accountID)
	state, found, err := stateStore.GetState(ctx, *accountID)
	if err != nil {
		panic(err)
	}
	if !found {
		log.Info().Int64("account_id", *accountID).Msg("No state stored, seeding zero checkpoint")
		if err := stateStore.SetState(ctx, *accountID, updates.State{}); err != nil {
			panic(err)
		}
	}

	if *setPts >= 0 {
		if err := stateStore.SetPts(ctx, *accountID, *setPts); err != nil {
			panic(err)
		}
	}
	if *setQts >= 0 {
		if err := stateStore.SetQts(ctx, *accountID, *setQts); err != nil {
			panic(err)
		}
	}
	switch {
	case *setDate >= 0 && *setSeq >= 0:
		if err := stateStore.SetDateSeq(ctx, *accountID, *setDate, *setSeq); err != nil {
			panic(err)
		}
	case *setDate >= 0:
		if err := stateStore.SetDate(ctx, *accountID, *setDate); err != nil {
			panic(err)
		}
	case *setSeq >= 0:
		if err := stateStore.SetSeq(ctx, *accountID, *setSeq); err != nil {
			panic(err)
		}
	}

	state, _, err = stateStore.GetState(ctx, *accountID)
	if err != nil {
		panic(err)
	}
	pp.Println(state)
}
