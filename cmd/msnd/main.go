package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/fx"

	"github.com/escargot-im/msn/internal/daemon"
	"github.com/escargot-im/msn/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name or sign-in account (overrides config default)")
	flag.Parse()

	name := *sessionFlag
	if strings.ContainsRune(name, '@') {
		name = session.NameForAccount(name)
	}
	sessionName := session.Resolve(name)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName}),
	)

	app.Run()
}
