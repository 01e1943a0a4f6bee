package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/config"
	dbUtils "tokamak-rollup-sequencer/database"
	"tokamak-rollup-sequencer/log"
	"tokamak-rollup-sequencer/node"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"
)

const (
	flagCfg = "cfg"
	flagEnv = "env"
	flagYes = "yes"
)

var (
	// Version represents the program based on the git tag
	Version = "v0.1.0"
)

func getConfig(c *cli.Context) (*config.Node, error) {
	// variables in the .env file don't override the ones already set
	if envPath := c.String(flagEnv); envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, common.Wrap(fmt.Errorf("godotenv.Load: %w", err))
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, common.Wrap(fmt.Errorf("godotenv.Load: %w", err))
		}
	}
	cfg, err := config.LoadNode(c.String(flagCfg))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return cfg, nil
}

func parseCli(c *cli.Context) (*config.Node, error) {
	cfg, err := getConfig(c)
	if err != nil {
		if err := cli.ShowAppHelp(c); err != nil {
			panic(err)
		}
		return nil, common.Wrap(err)
	}
	return cfg, nil
}

func waitSigInt() {
	stopCh := make(chan interface{})

	// catch ^C to send the stop signal
	ossig := make(chan os.Signal, 1)
	signal.Notify(ossig, os.Interrupt)
	const forceStopCount = 3
	go func() {
		n := 0
		for sig := range ossig {
			if sig == os.Interrupt {
				log.Info("Received Interrupt Signal")
				stopCh <- nil
				n++
				if n == forceStopCount {
					log.Fatalf("Received %v Interrupt Signals", forceStopCount)
				}
			}
		}
	}()
	<-stopCh
}

func cmdRun(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	log.Init(cfg.Log.Level, cfg.Log.Out)
	log.Infow("Starting sequencer", "version", Version)
	innerNode, err := node.NewNode(cfg)
	if err != nil {
		return common.Wrap(fmt.Errorf("error starting node: %w", err))
	}
	innerNode.Start()
	waitSigInt()
	innerNode.Stop()

	return nil
}

func cmdWipeDBs(c *cli.Context) error {
	cfg, err := parseCli(c)
	if err != nil {
		return common.Wrap(fmt.Errorf("error parsing flags and config: %w", err))
	}
	log.Init(cfg.Log.Level, cfg.Log.Out)
	if !c.Bool(flagYes) {
		fmt.Print("*WARNING* Are you sure you want to delete the tx store " +
			"and the world state? [y/N]: ")
		var input string
		if _, err := fmt.Scanln(&input); err != nil {
			return common.Wrap(err)
		}
		input = strings.ToLower(strings.TrimSpace(input))
		if input != "y" && input != "yes" {
			return nil
		}
	}
	if cfg.Store.Backend == "postgres" {
		db, err := dbUtils.ConnectSQLDB(
			cfg.PostgreSQL.PortWrite,
			cfg.PostgreSQL.HostWrite,
			cfg.PostgreSQL.UserWrite,
			cfg.PostgreSQL.PasswordWrite,
			cfg.PostgreSQL.NameWrite,
		)
		if err != nil {
			return common.Wrap(err)
		}
		log.Info("Wiping SQL DB...")
		if err := dbUtils.MigrationsDown(db.DB, 0); err != nil {
			return common.Wrap(fmt.Errorf("dbUtils.MigrationsDown: %w", err))
		}
		if err := db.Close(); err != nil {
			return common.Wrap(err)
		}
	} else if cfg.Store.Path != "" {
		log.Infow("Deleting tx store", "path", cfg.Store.Path)
		if err := os.RemoveAll(cfg.Store.Path); err != nil {
			return common.Wrap(err)
		}
	}
	log.Infow("Deleting world state", "path", cfg.StateDB.Path)
	if err := os.RemoveAll(cfg.StateDB.Path); err != nil {
		return common.Wrap(err)
	}
	return nil
}

func cmdVersion(c *cli.Context) error {
	fmt.Printf("Version = \"%v\"\n", Version)
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "rollup-sequencer"
	app.Version = Version

	flags := []cli.Flag{
		cli.StringFlag{
			Name:     flagCfg,
			Usage:    "Node configuration `FILE`",
			Required: false,
		},
		cli.StringFlag{
			Name:     flagEnv,
			Usage:    "Environment `FILE` loaded before the configuration (default .env)",
			Required: false,
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "version",
			Aliases: []string{},
			Usage:   "Show the application version",
			Action:  cmdVersion,
		},
		{
			Name:    "run",
			Aliases: []string{},
			Usage:   "Run the sequencer node",
			Action:  cmdRun,
			Flags:   flags,
		},
		{
			Name:    "wipedbs",
			Aliases: []string{},
			Usage:   "Delete the tx store and the world state",
			Action:  cmdWipeDBs,
			Flags: append(flags,
				cli.BoolFlag{
					Name:  flagYes,
					Usage: "automatic yes to the prompt",
				}),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Printf("\nError: %v\n", common.Wrap(err))
		os.Exit(1)
	}
}
