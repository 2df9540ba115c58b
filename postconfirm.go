/*
Postconfirm - Challenge/response mail confirmation daemon.
Copyright © 2023-2024 The postconfirm developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package postconfirm implements the server boot sequence: command line
// handling, configuration loading and the wiring between the sender store,
// the decision engine, the outbound relay and the milter endpoint.
package postconfirm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/ietf-svn-conversion/postconfirm/framework/config"
	"github.com/ietf-svn-conversion/postconfirm/framework/hooks"
	"github.com/ietf-svn-conversion/postconfirm/framework/log"
	"github.com/ietf-svn-conversion/postconfirm/internal/challenge"
	postconfirmcli "github.com/ietf-svn-conversion/postconfirm/internal/cli"
	"github.com/ietf-svn-conversion/postconfirm/internal/dropfilter"
	"github.com/ietf-svn-conversion/postconfirm/internal/engine"
	miltered "github.com/ietf-svn-conversion/postconfirm/internal/endpoint/milter"
	"github.com/ietf-svn-conversion/postconfirm/internal/endpoint/openmetrics"
	"github.com/ietf-svn-conversion/postconfirm/internal/relay"
)

func init() {
	postconfirmcli.AddGlobalFlag(
		&cli.PathFlag{
			Name:    "config",
			Usage:   "Configuration file to use",
			EnvVars: []string{"POSTCONFIRM_CONFIG"},
			Value:   filepath.Join(ConfigDirectory, "postconfirm.conf"),
		},
	)
	postconfirmcli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "Start the confirmation daemon",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "enable debug logging early",
				Destination: &log.DefaultLogger.Debug,
			},
			&cli.StringSliceFlag{
				Name:  "log",
				Usage: "default logging target(s)",
				Value: cli.NewStringSlice("stderr"),
			},
			&cli.BoolFlag{
				Name:   "v",
				Usage:  "print version and exit",
				Hidden: true,
			},
			&cli.StringFlag{
				Name:  "debug.pprof",
				Usage: "enable live profiler HTTP endpoint and listen on the specified address",
			},
			&cli.IntFlag{
				Name:  "debug.blockprofrate",
				Usage: "set blocking profile rate",
			},
			&cli.IntFlag{
				Name:  "debug.mutexproffract",
				Usage: "set mutex profile fraction",
			},
		},
		Action: Run,
	})
	postconfirmcli.AddSubcommand(&cli.Command{
		Name:  "version",
		Usage: "Print version and exit",
		Action: func(c *cli.Context) error {
			fmt.Println("postconfirm", BuildInfo())
			return nil
		},
	})
}

// Run is the entry point for the server. It takes care of command line
// arguments processing, logging initialization and configuration reading.
// After all that it calls serve to wire the components together and run
// until a termination signal arrives.
func Run(c *cli.Context) error {
	if c.NArg() != 0 {
		return cli.Exit(fmt.Sprintln("usage:", os.Args[0], "run [options]"), 2)
	}

	if c.Bool("v") {
		fmt.Println("postconfirm", BuildInfo())
		return nil
	}

	var err error
	log.DefaultLogger.Out, err = LogOutputOption(c.StringSlice("log"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}

	initDebug(c)

	cfg, err := ReadConfig(c.Path("config"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}

	if err := InitDirs(); err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 2)
	}

	defer log.DefaultLogger.Out.Close()

	if err := serve(cfg); err != nil {
		systemdStatusErr(err)
		return cli.Exit(err.Error(), 1)
	}

	return nil
}

func initDebug(c *cli.Context) {
	if endp := c.String("debug.pprof"); endp != "" {
		go func() {
			log.Println("listening on", "http://"+endp, "for profiler requests")
			log.Println("failed to listen on profiler endpoint:", http.ListenAndServe(endp, nil))
		}()
	}

	// These values can also be affected by environment so set them
	// only if argument is specified.
	if c.IsSet("debug.mutexproffract") {
		runtime.SetMutexProfileFraction(c.Int("debug.mutexproffract"))
	}
	if c.IsSet("debug.blockprofrate") {
		runtime.SetBlockProfileRate(c.Int("debug.blockprofrate"))
	}
}

// serve builds the component graph from the configuration and blocks in
// the signal loop. It returns after a termination signal once shutdown
// hooks have run; listeners are closed before the relay and the store.
func serve(cfg *Config) error {
	// An unreadable template should be noticed here, not when the first
	// challenge goes out.
	if _, err := os.ReadFile(cfg.MailTemplate); err != nil {
		return fmt.Errorf("mail_template: %w", err)
	}

	st, err := cfg.OpenStore(context.Background())
	if err != nil {
		return err
	}
	defer st.Close()

	filter, err := dropfilter.New(cfg.BulkRegex, cfg.AutoSubmittedRegex)
	if err != nil {
		return err
	}

	var policy engine.RcptPolicy
	if len(cfg.ChallengeRcpts) != 0 {
		policy, err = engine.NewRegexpPolicy(cfg.ChallengeRcpts)
		if err != nil {
			return err
		}
	}

	rl := relay.New(relay.Config{
		Endpoint: config.Endpoint{
			Scheme: "tcp",
			Host:   cfg.SMTPHost,
			Port:   strconv.FormatUint(uint64(cfg.SMTPPort), 10),
		},
		Hostname: cfg.Hostname,
		Username: cfg.Auth.Username,
		Password: cfg.Auth.Password,
		Log:      log.Logger{Name: "relay", Debug: log.DefaultLogger.Debug},
	})
	defer rl.Close()

	emitter := &challenge.Emitter{
		TemplatePath: cfg.MailTemplate,
		AdminAddress: cfg.AdminAddress,
		EnvelopeFrom: cfg.RemailSender,
		Relayer:      rl,
		Log:          log.Logger{Name: "challenge", Debug: log.DefaultLogger.Debug},
	}

	eng := &engine.Engine{
		Store:      st,
		Relayer:    rl,
		Challenger: emitter,
		Filter:     filter,
		Policy:     policy,
		Log:        log.Logger{Name: "engine", Debug: log.DefaultLogger.Debug},
	}

	listen, err := parseEndpoints(cfg.Listen)
	if err != nil {
		return err
	}
	milterEndp := miltered.New(eng, cfg.Limits, log.Logger{Name: "milter", Debug: log.DefaultLogger.Debug})
	if err := milterEndp.Start(listen); err != nil {
		return err
	}
	defer milterEndp.Close()

	if len(cfg.OpenMetrics) != 0 {
		omAddrs, err := parseEndpoints(cfg.OpenMetrics)
		if err != nil {
			return err
		}
		omEndp := openmetrics.New(log.Logger{Name: "openmetrics", Debug: log.DefaultLogger.Debug})
		if err := omEndp.Start(omAddrs); err != nil {
			return err
		}
		defer omEndp.Close()
	}

	systemdStatus(SDReady, "Listening for incoming connections...")

	handleSignals()

	systemdStatus(SDStopping, "Waiting for running transactions to complete...")

	hooks.RunHooks(hooks.EventShutdown)

	return nil
}

func parseEndpoints(addrs []string) ([]config.Endpoint, error) {
	endps := make([]config.Endpoint, 0, len(addrs))
	for _, addr := range addrs {
		endp, err := config.ParseEndpoint(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint: %v: %w", addr, err)
		}
		endps = append(endps, endp)
	}
	return endps, nil
}

// InitDirs makes the state and runtime directories usable: they are
// created if missing and the working directory is changed to the state
// directory so relative paths in the configuration resolve there.
func InitDirs() error {
	if config.StateDirectory == "" {
		config.StateDirectory = DefaultStateDirectory
	}
	if config.RuntimeDirectory == "" {
		config.RuntimeDirectory = DefaultRuntimeDirectory
	}

	if err := ensureDirectoryWritable(config.StateDirectory); err != nil {
		return err
	}
	if err := ensureDirectoryWritable(config.RuntimeDirectory); err != nil {
		return err
	}

	// Make sure all paths we are going to use are absolute
	// before we change the working directory.
	if !filepath.IsAbs(config.StateDirectory) {
		return errors.New("state_dir should be absolute")
	}
	if !filepath.IsAbs(config.RuntimeDirectory) {
		return errors.New("runtime_dir should be absolute")
	}

	// Change the working directory to make all relative paths
	// in configuration relative to state directory.
	if err := os.Chdir(config.StateDirectory); err != nil {
		log.Println(err)
	}

	return nil
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	testFile, err := os.Create(filepath.Join(path, "writeable-test"))
	if err != nil {
		return err
	}
	testFile.Close()
	if err := os.Remove(testFile.Name()); err != nil {
		return err
	}
	return nil
}
