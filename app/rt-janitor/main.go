package main

import (
	"fmt"
	logger "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/go-redis/redis/v8"
	"github.com/opentransit/tripfeed/app/rt-janitor/janitor"
	"github.com/opentransit/tripfeed/foundation/database"
	"github.com/opentransit/tripfeed/foundation/lock"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "RT_JANITOR : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	var cfg struct {
		conf.Version
		Args conf.Args
		DB   struct {
			User         string `conf:"default:postgres"`
			Password     string `conf:"default:postgres,noprint"`
			Host         string `conf:"default:0.0.0.0"`
			Name         string `conf:"default:postgres"`
			MaxOpenConns int    `conf:"default:4"`
			DisableTLS   bool   `conf:"default:true"`
		}
		Redis struct {
			Host string `conf:"default:0.0.0.0:6379"`
		}
		Purge struct {
			TripUpdateDays int `conf:"default:10"`
			RawUpdateDays  int `conf:"default:100"`
			IntervalHours  int `conf:"default:24"`
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Purge aged realtime data"
	const prefix = "JANITOR"
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	log.Printf("main : Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	log.Println("main: Initializing database support")
	db, err := database.Open(database.Config{
		User:         cfg.DB.User,
		Password:     cfg.DB.Password,
		Host:         cfg.DB.Host,
		Name:         cfg.DB.Name,
		MaxOpenConns: cfg.DB.MaxOpenConns,
		DisableTLS:   cfg.DB.DisableTLS,
	})
	if err != nil {
		return fmt.Errorf("connecting to db: %w", err)
	}
	defer func() {
		log.Printf("main: Database Stopping : %s", cfg.DB.Host)
		if err := db.Close(); err != nil {
			log.Printf("main: error closing database: %v", err)
		}
	}()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Host})
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("main: error closing redis client: %v", err)
		}
	}()
	locker := lock.NewRedisLocker(redisClient)

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)
	shutdown := make(chan struct{})
	go func() {
		<-shutdownSignal
		log.Println("main: shutdown signal received")
		close(shutdown)
	}()

	j := janitor.NewJanitor(log, db, locker, janitor.Config{
		TripUpdateDays: cfg.Purge.TripUpdateDays,
		RawUpdateDays:  cfg.Purge.RawUpdateDays,
		Interval:       time.Duration(cfg.Purge.IntervalHours) * time.Hour,
	})
	j.Run(shutdown)
	return nil
}
