// Command kvctl reads and writes keys of a consul key/value store.
//
// The consul agent address is taken from --address or CONSUL_HTTP_ADDR, other
// flags have environment equivalents listed in the help. Environment variables
// may also be set in a dotenv file, .env by default or the file named by
// KVCTL_ENV_FILE.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/segmentio/objconv"
	"github.com/segmentio/objconv/json"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	consulkv "github.com/segmentio/consul-kv"
)

func main() {
	loadEnv(os.Getenv("KVCTL_ENV_FILE"))

	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadEnv(file string) {
	if len(file) == 0 {
		file = ".env"
	}
	if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "loading %s: %s\n", file, err)
	}
}

func newApp(stdout io.Writer, stderr io.Writer) *cli.App {
	sessionFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:     "session",
			Usage:    "id of the session acquiring or releasing the lock",
			EnvVars:  []string{"KVCTL_SESSION"},
			Required: true,
		}
	}

	return &cli.App{
		Name:      "kvctl",
		Usage:     "read and write keys of a consul key/value store",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "address",
				Usage:   "address of the consul agent",
				Value:   consulkv.DefaultAddress,
				EnvVars: []string{consulkv.ConsulEnvironment},
			},
			&cli.StringFlag{
				Name:    "datacenter",
				Usage:   "consul datacenter to send requests for",
				EnvVars: []string{"CONSUL_DATACENTER"},
			},
			&cli.StringFlag{
				Name:    "keyspace",
				Usage:   "prefix applied to all keys",
				EnvVars: []string{"KVCTL_KEYSPACE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "logging level (debug logs every request)",
				Value:   "info",
				EnvVars: []string{"KVCTL_LOG_LEVEL"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "time limit of the command",
				Value: 10 * time.Second,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "print the value of a key",
				ArgsUsage: "KEY",
				Action:    getKey,
			},
			{
				Name:      "pair",
				Usage:     "print a key with its metadata as JSON",
				ArgsUsage: "KEY",
				Action:    getKVPair,
			},
			{
				Name:      "set",
				Usage:     "write the value of a key",
				ArgsUsage: "KEY VALUE",
				Action:    setKey,
			},
			{
				Name:      "delete",
				Aliases:   []string{"rm"},
				Usage:     "delete a key",
				ArgsUsage: "KEY",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "recurse",
						Usage: "delete all keys under the prefix",
					},
				},
				Action: deleteKey,
			},
			{
				Name:      "list",
				Aliases:   []string{"ls"},
				Usage:     "print all keys under a prefix with their values as JSON",
				ArgsUsage: "PREFIX",
				Action:    list,
			},
			{
				Name:      "keys",
				Usage:     "print the names of the keys under a prefix",
				ArgsUsage: "PREFIX",
				Action:    keys,
			},
			{
				Name:  "lock",
				Usage: "acquire or release locks held by sessions",
				Subcommands: []*cli.Command{
					{
						Name:      "acquire",
						Usage:     "acquire the lock on a key, prints whether it succeeded",
						ArgsUsage: "KEY [VALUE]",
						Flags:     []cli.Flag{sessionFlag()},
						Action:    acquireLock,
					},
					{
						Name:      "release",
						Usage:     "release the lock on a key, prints whether it succeeded",
						ArgsUsage: "KEY [VALUE]",
						Flags:     []cli.Flag{sessionFlag()},
						Action:    releaseLock,
					},
				},
			},
		},
	}
}

func getKey(c *cli.Context) error {
	return withKeystore(c, 1, func(ctx context.Context, ks *consulkv.Keystore) error {
		value, err := ks.GetKey(ctx, c.Args().Get(0))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.App.Writer, "%s\n", value)
		return err
	})
}

func getKVPair(c *cli.Context) error {
	return withKeystore(c, 1, func(ctx context.Context, ks *consulkv.Keystore) error {
		key := c.Args().Get(0)
		pair, err := ks.GetKVPair(ctx, key)
		if err != nil {
			return err
		}
		if pair == nil {
			return errors.Errorf("key %s does not exist", key)
		}
		return printJSON(c.App.Writer, newPairView(*pair))
	})
}

func setKey(c *cli.Context) error {
	return withKeystore(c, 2, func(ctx context.Context, ks *consulkv.Keystore) error {
		return ks.SetKey(ctx, c.Args().Get(0), []byte(c.Args().Get(1)))
	})
}

func deleteKey(c *cli.Context) error {
	return withKeystore(c, 1, func(ctx context.Context, ks *consulkv.Keystore) error {
		if c.Bool("recurse") {
			return ks.DeleteTree(ctx, c.Args().Get(0))
		}
		return ks.DeleteKey(ctx, c.Args().Get(0))
	})
}

func list(c *cli.Context) error {
	return withKeystore(c, 0, func(ctx context.Context, ks *consulkv.Keystore) error {
		pairs, err := ks.List(ctx, c.Args().Get(0))
		if err != nil {
			return err
		}
		views := make([]pairView, len(pairs))
		for i, pair := range pairs {
			views[i] = newPairView(pair)
		}
		return printJSON(c.App.Writer, views)
	})
}

func keys(c *cli.Context) error {
	return withKeystore(c, 0, func(ctx context.Context, ks *consulkv.Keystore) error {
		keys, err := ks.Keys(ctx, c.Args().Get(0))
		if err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := fmt.Fprintln(c.App.Writer, key); err != nil {
				return err
			}
		}
		return nil
	})
}

func acquireLock(c *cli.Context) error {
	return lock(c, (*consulkv.Keystore).AcquireLock)
}

func releaseLock(c *cli.Context) error {
	return lock(c, (*consulkv.Keystore).ReleaseLock)
}

type lockFunc func(*consulkv.Keystore, context.Context, string, consulkv.SessionID, []byte) (bool, error)

func lock(c *cli.Context, op lockFunc) error {
	return withKeystore(c, 1, func(ctx context.Context, ks *consulkv.Keystore) error {
		var value []byte
		if c.NArg() > 1 {
			value = []byte(c.Args().Get(1))
		}
		ok, err := op(ks, ctx, c.Args().Get(0), consulkv.SessionID(c.String("session")), value)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.App.Writer, ok)
		return err
	})
}

// withKeystore checks that the command received at least nargs arguments, then
// calls fn with a keystore configured from the global flags.
func withKeystore(c *cli.Context, nargs int, fn func(context.Context, *consulkv.Keystore) error) error {
	if c.NArg() < nargs {
		return errors.Errorf("%s: expected %d argument(s), got %d (usage: %s %s)",
			c.Command.Name, nargs, c.NArg(), c.Command.Name, c.Command.ArgsUsage)
	}

	logger, err := newLogger(c.App.ErrWriter, c.String("log-level"))
	if err != nil {
		return err
	}

	ks := &consulkv.Keystore{
		Client: &consulkv.Client{
			Address:    c.String("address"),
			Datacenter: c.String("datacenter"),
			UserAgent:  "kvctl",
			Logger:     logger,
		},
		Keyspace: c.String("keyspace"),
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	if err = fn(ctx, ks); err != nil {
		logger.WithError(err).WithField("command", c.Command.FullName()).Debug("command failed")
	}
	return err
}

func newLogger(w io.Writer, level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "log-level")
	}

	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return logger, nil
}

// pairView is the representation of key/value pairs printed by the commands,
// values are printed as text instead of base64.
type pairView struct {
	Key         string
	CreateIndex uint64
	ModifyIndex uint64
	LockIndex   uint64
	Flags       uint64
	Value       string
	Session     string `json:",omitempty"`
}

func newPairView(pair consulkv.KVPair) pairView {
	return pairView{
		Key:         pair.Key,
		CreateIndex: pair.CreateIndex,
		ModifyIndex: pair.ModifyIndex,
		LockIndex:   pair.LockIndex,
		Flags:       pair.Flags,
		Value:       string(pair.Value),
		Session:     string(pair.Session),
	}
}

func printJSON(w io.Writer, v interface{}) error {
	e := objconv.Encoder{Emitter: json.NewPrettyEmitter(w)}
	if err := e.Encode(v); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
