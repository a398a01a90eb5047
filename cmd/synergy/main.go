package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/auth"
	"github.com/synergy-labs/envelope/pkg/envelope"
	"github.com/synergy-labs/envelope/pkg/gateway"
	"github.com/synergy-labs/envelope/pkg/logging"
)

const usage = `Usage: synergy <command> [flags]
Commands:
  keygen        create a principal key
  register-key  publish your public key
  publish       encrypt, upload and register a file
  fetch         download and decrypt a dataset
  grant         give a principal access
  revoke        remove a principal's access
  access        list a dataset's access entries
  rekey         rotate a dataset's content key
  transfer      hand a dataset to a new owner
  retire        retire a dataset
Every command except keygen takes -gateway, -network and -key.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err := cmd(context.Background(), os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "synergy %s: %v\n", os.Args[1], err)
		if hint := apperr.HintOf(err); hint != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}

var commands = map[string]func(context.Context, []string) error{
	"keygen":       runKeygen,
	"register-key": runRegisterKey,
	"publish":      runPublish,
	"fetch":        runFetch,
	"grant":        runGrant,
	"revoke":       runRevoke,
	"access":       runAccess,
	"rekey":        runRekey,
	"transfer":     runTransfer,
	"retire":       runRetire,
}

// session is what every gateway command needs: the caller's
// key and a service talking to the gateway as that caller.
type session struct {
	key    *auth.KeySigner
	client *gateway.Client
	svc    *envelope.Service
}

type commonFlags struct {
	gateway  *string
	network  *string
	keyPath  *string
	logLevel *string
}

func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func addCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		gateway:  fs.String("gateway", envOr("SYNERGY_GATEWAY", "http://localhost:8080"), "gateway base URL"),
		network:  fs.String("network", envOr("NETWORK_ID", "synergy-local"), "network id"),
		keyPath:  fs.String("key", envOr("SYNERGY_KEY_FILE", "synergy.key"), "file holding the hex private key"),
		logLevel: fs.String("log-level", "warn", "log level"),
	}
}

func (c commonFlags) open() (*session, error) {
	raw, err := os.ReadFile(*c.keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	key, err := auth.KeySignerFromHex(string(raw))
	if err != nil {
		return nil, err
	}
	log, err := logging.New(*c.logLevel, "text")
	if err != nil {
		return nil, err
	}
	client := gateway.NewClient(strings.TrimRight(*c.gateway, "/"), *c.network, key, gateway.WithClientLogger(log))
	svc := envelope.New(client, client, envelope.Config{Log: log})
	return &session{key: key, client: client, svc: svc}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireFlag(name, value string) error {
	if value == "" {
		return apperr.New(apperr.KindBadRequest, "-%s is required", name)
	}
	return nil
}
