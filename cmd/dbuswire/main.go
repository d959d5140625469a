// Command dbuswire is a debugging tool for the dbuswire library: it
// dials and authenticates bus connections, and decodes message dumps.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/danderson/dbuswire"
	"github.com/danderson/dbuswire/transport"
	"github.com/kr/pretty"
)

var globalArgs struct {
	Address       string `flag:"address,Bus address list to use instead of the session or system bus"`
	UseSessionBus bool   `flag:"session,Connect to session bus instead of system bus"`
}

func busAddresses() ([]dbuswire.Address, error) {
	if globalArgs.Address != "" {
		return dbuswire.ParseAddresses(globalArgs.Address)
	}
	if globalArgs.UseSessionBus {
		return transport.SessionBusAddresses()
	}
	return transport.SystemBusAddresses()
}

func main() {
	root := &command.C{
		Name:     "dbuswire",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "dial",
				Usage: "dial",
				Help:  "Connect and authenticate to the bus, and report the server guid and negotiated capabilities.",
				Run:   command.Adapt(runDial),
			},
			{
				Name:  "decode",
				Usage: "decode [file]",
				Help: `Decode a single DBus message and pretty-print it.

The message is read from the given file, or from stdin. Input may be
raw wire bytes or hex (whitespace ignored). Messages that carry file
descriptors cannot be decoded from a dump.`,
				Run: runDecode,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runDial(env *command.Env) error {
	addrs, err := busAddresses()
	if err != nil {
		return fmt.Errorf("resolving bus addresses: %w", err)
	}

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	guid, tr, err := transport.Dial(ctx, addrs, nil)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer tr.Shutdown()

	fmt.Println("guid:", guid)
	var caps []string
	for c := range tr.Capabilities() {
		caps = append(caps, string(c))
	}
	slices.Sort(caps)
	fmt.Println("capabilities:", strings.Join(caps, " "))
	return nil
}

func runDecode(env *command.Env) error {
	var (
		bs  []byte
		err error
	)
	switch len(env.Args) {
	case 0:
		bs, err = io.ReadAll(os.Stdin)
	case 1:
		bs, err = os.ReadFile(env.Args[0])
	default:
		return env.Usagef("decode takes at most one argument")
	}
	if err != nil {
		return fmt.Errorf("reading message: %w", err)
	}

	if dec, err := hex.DecodeString(strings.Join(strings.Fields(string(bs)), "")); err == nil {
		bs = dec
	}

	msg, err := dbuswire.DecodeMessage(bs, nil)
	if err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	fmt.Printf("%# v\n", pretty.Formatter(msg))
	return nil
}
