// Command authcli exercises the session lifecycle against a live
// authentication server: restore a persisted session if one exists,
// log in when it does not, print the identity, and optionally log out.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"

	"github.com/pysiyou/atlas-sub001/api"
	"github.com/pysiyou/atlas-sub001/faults"
	"github.com/pysiyou/atlas-sub001/session"
	"github.com/pysiyou/atlas-sub001/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "authcli: %s (%v)\n", faults.Message(err), err)
		os.Exit(1)
	}
}

func run() error {
	var (
		baseURL   = flag.String("base-url", "http://localhost:8080", "authentication server base URL")
		username  = flag.String("username", "", "username to log in with")
		password  = flag.String("password", "", "password to log in with")
		stateFile = flag.String("state-file", defaultStateFile(), "where the session is persisted between runs")
		logout    = flag.Bool("logout", false, "end the current session instead of starting one")
		verbose   = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	figure.NewFigure("authcli", "", true).Print()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !*verbose {
		log = log.Level(zerolog.WarnLevel)
	}

	store := storage.New(storage.NewFileBackend(*stateFile), log)
	client := api.NewClient(*baseURL, api.WithLogger(log))

	controller, err := session.New(client, store,
		session.WithLogger(log),
		session.WithChangeHook(func(s session.State) {
			log.Info().Stringer("state", s.Kind).Msg("session state changed")
		}),
	)
	if err != nil {
		return err
	}
	defer controller.Close()
	client.SetAuthHandler(controller)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if *logout {
		controller.Logout(ctx)
		fmt.Println("logged out")
		return nil
	}

	if controller.CurrentState().Kind == session.KindRestoring {
		if err := controller.Restore(ctx); err != nil {
			log.Warn().Err(err).Msg("stored session could not be restored")
		}
	}

	if controller.CurrentState().Kind != session.KindAuthenticated {
		if *username == "" || *password == "" {
			return fmt.Errorf("no stored session: -username and -password are required")
		}
		if err := controller.Login(ctx, api.Credentials{Username: *username, Password: *password}); err != nil {
			return err
		}
	}

	state := controller.CurrentState()
	fmt.Printf("logged in as %s (%s), role %s, since %s\n",
		state.Session.Name,
		state.Session.UserID,
		state.Session.Role,
		state.Session.StartedAt.Format(time.RFC3339),
	)
	return nil
}

func defaultStateFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".authcli.json"
	}
	return filepath.Join(home, ".authcli", "session.json")
}
