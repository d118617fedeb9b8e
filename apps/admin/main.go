package main

import (
	"log"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/ncastellan/escolar/core"
	"github.com/ncastellan/escolar/core/user"
	"github.com/ncastellan/escolar/storage/database"
	"github.com/ncastellan/escolar/storage/database/sqlxrepos"
)

var logger *log.Logger

func main() {
	defer os.Exit(0)

	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf := core.NewConfig()

	// set up DB
	if len(os.Args) > 1 && os.Args[1] == "createdb" {
		errAndDie(database.CreateIfNotExist(conf))
	}
	db, err := database.Open(conf)
	errAndDie(err)
	defer db.Close()
	errAndDie(db.Ping())

	dbx := sqlx.NewDb(db, conf.Database.Engine)

	// start CLI
	cli := commandLine{
		db:      db,
		usrRepo: sqlxrepos.NewUserRepository(dbx),
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp && err != user.ErrNotFound {
			logger.Printf("\nerror: %s\n", err)
		} else if err == user.ErrNotFound {
			logger.Print("\nerror: user not found\n")
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
