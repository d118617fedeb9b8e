package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	echoapi "github.com/ncastellan/escolar/apps/api/echo"
	"github.com/ncastellan/escolar/core"
	"github.com/ncastellan/escolar/core/academics"
	"github.com/ncastellan/escolar/core/outbox"
	"github.com/ncastellan/escolar/core/school"
	"github.com/ncastellan/escolar/core/user"
	emailsvc "github.com/ncastellan/escolar/services/email"
	logsvc "github.com/ncastellan/escolar/services/logger"
	"github.com/ncastellan/escolar/storage/database"
	"github.com/ncastellan/escolar/storage/database/sqlxrepos"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	// set up DB
	db, err := setUpDB(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			logger.Error("failed to close the database", err)
		}
	}()
	dbx := sqlx.NewDb(db, conf.Database.Engine)

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}

	queue := outbox.NewQueue(sqlxrepos.NewOutboxRepository(dbx))
	usrSvc := user.NewService(sqlxrepos.NewUserRepository(dbx), mailSvc, queue, logger, conf)
	schoolSvc := school.NewService(sqlxrepos.NewSchoolRepository(dbx), usrSvc)
	academicsSvc := academics.NewService(
		sqlxrepos.NewAcademicsRepository(dbx),
		schoolSvc,
		usrSvc,
		queue,
		logger,
		conf,
	)

	dispatcher := outbox.NewDispatcher(
		sqlxrepos.NewOutboxRepository(dbx),
		sqlxrepos.NewRecipientResolver(dbx),
		mailSvc,
		logger,
		conf,
	)

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)
	user.RegisterValidators(validate, translator)

	// =========================================================================
	// Start Outbox Dispatcher

	dispatchCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	go dispatcher.Run(dispatchCtx)

	// =========================================================================
	// Start API Service

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	server := echoapi.NewServer(
		&echoapi.Options{
			Address:      conf.Server.Addr,
			Conf:         conf,
			Logger:       logger,
			Validate:     validate,
			Translator:   translator,
			UserSvc:      usrSvc,
			SchoolSvc:    schoolSvc,
			AcademicsSvc: academicsSvc,
		},
		shutdown,
	)

	go server.Start()

	// =========================================================================
	// Shutdown

	sig := <-shutdown
	logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
	stopDispatcher()

	// give outstanding requests a deadline for completion
	ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
	defer cancel()

	if err = server.Stop(ctx); err != nil {
		logger.Fatal(fmt.Sprintf("could not stop server gracefully: %v", err), err)
	}
}

func setUpDB(conf *core.Config) (*sql.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}
