// Package di builds the dependencies shared by the API server and the admin CLI.
package di

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/attendance"
	"github.com/trezcool/rollcall/core/notify"
	"github.com/trezcool/rollcall/core/school"
	emailsvc "github.com/trezcool/rollcall/services/email"
	leasesvc "github.com/trezcool/rollcall/services/lease"
	logsvc "github.com/trezcool/rollcall/services/logger"
	smssvc "github.com/trezcool/rollcall/services/sms"
	"github.com/trezcool/rollcall/storage/database"
	inmemdb "github.com/trezcool/rollcall/storage/database/inmem"
	sqlxrepos "github.com/trezcool/rollcall/storage/database/sqlx"
)

const (
	// EngineMemory keeps everything in process memory, for local runs only.
	EngineMemory = "memory"

	LeaseRedis = "redis"

	locatorCacheSize = 256
	locatorCacheTTL  = 10 * time.Minute
)

type Options struct {
	// LogPrefix names the binary in log lines, eg: "API".
	LogPrefix string
	// SkipMigrations leaves the schema alone, the admin CLI migrates on demand.
	SkipMigrations bool
}

// Container holds the wired services. Close releases what it opened.
type Container struct {
	Conf       *core.Config
	Logger     core.Logger
	DBLogger   core.Logger
	Validate   *validator.Validate
	Translator ut.Translator
	MailSvc    core.EmailService

	// DB is nil on the memory engine.
	DB         *sqlx.DB
	Directory  school.Directory
	Locator    *school.Locator
	Attendance *attendance.Service
	Dispatcher *notify.Dispatcher

	closers []func() error
}

func New(ctx context.Context, conf *core.Config, opts Options) (*Container, error) {
	c := &Container{
		Conf:     conf,
		Logger:   newLogger(conf, opts.LogPrefix+" : "),
		DBLogger: newLogger(conf, "DB : "),
	}
	c.Validate, c.Translator = newValidator()
	c.MailSvc = newEmailService(conf, c.Logger)

	attRepo, delivRepo, err := c.setUpStorage(opts)
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "setting up database")
	}
	c.Locator = school.NewLocator(c.Directory, conf.Attendance.DefaultTimezone, locatorCacheSize, locatorCacheTTL)
	c.Attendance = attendance.NewService(conf, attRepo, c.Directory, c.Locator, c.Logger)

	lease, err := c.newLease(ctx)
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "setting up sweep lease")
	}
	c.Dispatcher = notify.NewDispatcher(
		conf,
		delivRepo,
		attRepo,
		c.Directory,
		c.Locator,
		newTransport(conf),
		lease,
		c.MailSvc,
		c.Logger,
	)
	return c, nil
}

// Close closes the connections in reverse opening order, logging failures.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.DBLogger.Error("Failed to close", err)
		}
	}
	c.closers = nil
}

func (c *Container) setUpStorage(opts Options) (attendance.Repository, notify.Repository, error) {
	if c.Conf.Database.Engine == EngineMemory {
		if !c.Conf.Debug {
			return nil, nil, errors.New("the memory engine is only available in debug mode")
		}
		db, err := inmemdb.Open()
		if err != nil {
			return nil, nil, err
		}
		c.Directory = inmemdb.NewDirectoryRepository(db)
		return inmemdb.NewAttendanceRepository(db), inmemdb.NewDeliveryRepository(db), nil
	}

	db, err := setUpDB(c.Conf, !opts.SkipMigrations)
	if err != nil {
		return nil, nil, err
	}
	c.DB = db
	c.closers = append(c.closers, db.Close)
	c.Directory = sqlxrepos.NewDirectoryRepository(db)
	return sqlxrepos.NewAttendanceRepository(db), sqlxrepos.NewDeliveryRepository(db), nil
}

func (c *Container) newLease(ctx context.Context) (notify.Lease, error) {
	if c.Conf.Notify.LeaseBackend != LeaseRedis {
		return notify.NewLocalLease(), nil
	}
	client, err := leasesvc.NewRedisClient(ctx, c.Conf)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, client.Close)
	return leasesvc.NewRedisLease(client), nil
}

func newLogger(conf *core.Config, prefix string) core.Logger {
	stdLogger := log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	logger := logsvc.NewRollbarLogger(stdLogger, conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newValidator() (*validator.Validate, ut.Translator) {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")

	validate := validator.New()
	core.InitValidators(validate, translator)
	attendance.RegisterValidators(validate, translator)
	return validate, translator
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug {
		return emailsvc.NewConsoleService(conf)
	}
	return emailsvc.NewSendgridService(conf, logger)
}

// newTransport prints messages to the console when no provider is configured.
func newTransport(conf *core.Config) notify.Transport {
	if conf.Notify.SMSProviderURL == "" {
		return smssvc.NewConsoleTransport(log.New(os.Stdout, "SMS : ", log.LstdFlags|log.Lmicroseconds))
	}
	return smssvc.NewRESTTransport(conf)
}

func setUpDB(conf *core.Config, migrate bool) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if migrate {
		if err = database.Migrate(db.DB); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
