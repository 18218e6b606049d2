package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apex/log"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/unkn0wn-root/atomiccache"
	"github.com/unkn0wn-root/atomiccache/keymanager"
	"github.com/unkn0wn-root/atomiccache/keyspace"
	"github.com/unkn0wn-root/atomiccache/storage"
	"github.com/unkn0wn-root/atomiccache/storage/memcache"
	"github.com/unkn0wn-root/atomiccache/storage/redis"
)

type openFunc func(ctx context.Context, cmd *cli.Command) (storage.Storage, error)

// openStorage builds the key storage selected by --backend.
func openStorage(_ context.Context, cmd *cli.Command) (storage.Storage, error) {
	switch cmd.String("backend") {
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{Addr: cmd.String("redis-addr"), DB: int(cmd.Int("redis-db"))})
		return redis.New(redis.Config{
			Client:      rdb,
			CloseClient: true,
			Prefix:      cmd.String("redis-prefix"),
			Timeout:     cmd.Duration("timeout"),
		})
	case "memcache":
		servers := cmd.StringSlice("memcache-server")
		if len(servers) == 0 {
			return nil, errors.New("--memcache-server is required for the memcache backend")
		}
		return memcache.Dial(servers...)
	default:
		return nil, fmt.Errorf("unknown backend %q (want redis or memcache)", cmd.String("backend"))
	}
}

// session is what every subcommand needs: a key manager and a keyspace built
// from the positional segments.
type session struct {
	store storage.Storage
	km    *keymanager.LastModTime
	ks    *keyspace.Keyspace
}

func (s *session) close(ctx context.Context) {
	if err := storage.Close(ctx, s.store); err != nil {
		log.WithError(err).Warn("closing storage")
	}
}

func loadConfig(cmd *cli.Command, store storage.Storage) (atomiccache.Config, error) {
	cfg := atomiccache.DefaultConfig()
	cfg.KeyStorage = store
	cfg.CacheStorage = store
	if path := cmd.String("config"); path != "" {
		s, err := atomiccache.LoadSettings(path)
		if err != nil {
			return cfg, err
		}
		if err := s.Apply(&cfg); err != nil {
			return cfg, err
		}
	}
	if ns := cmd.String("namespace"); ns != "" {
		cfg.Namespace = ns
	}
	if sep := cmd.String("separator"); sep != "" {
		cfg.Separator = sep
	}
	if name := cmd.String("timestamp-format"); name != "" {
		f, err := keyspace.FormatterByName(name)
		if err != nil {
			return cfg, err
		}
		cfg.Formatter = f
	}
	return cfg, nil
}

func newSession(ctx context.Context, cmd *cli.Command, open openFunc) (*session, error) {
	segs := cmd.Args().Slice()
	if len(segs) == 0 {
		return nil, errors.New("at least one keyspace segment is required")
	}
	store, err := open(ctx, cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(cmd, store)
	if err != nil {
		_ = storage.Close(ctx, store)
		return nil, err
	}

	args := make([]any, len(segs))
	for i, s := range segs {
		args[i] = s
	}
	ks, err := cfg.NewKeyspace(args...)
	if err != nil {
		_ = storage.Close(ctx, store)
		return nil, err
	}

	var opts []keymanager.Option
	if root := cmd.String("lmt-root"); root != "" {
		rks, err := cfg.NewKeyspace(root)
		if err != nil {
			_ = storage.Close(ctx, store)
			return nil, err
		}
		opts = append(opts, keymanager.WithKeyspace(rks))
	}
	km, err := cfg.NewKeyManager(opts...)
	if err != nil {
		_ = storage.Close(ctx, store)
		return nil, err
	}
	log.WithFields(log.Fields{"keyspace": ks.Key(""), "backend": cmd.String("backend")}).Debug("session ready")
	return &session{store: store, km: km, ks: ks}, nil
}

func withSession(open openFunc, fn func(ctx context.Context, cmd *cli.Command, s *session) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		s, err := newSession(ctx, cmd, open)
		if err != nil {
			return err
		}
		defer s.close(ctx)
		return fn(ctx, cmd, s)
	}
}

// parseAt accepts RFC 3339 or unix seconds; empty means now.
func parseAt(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return now, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at: want RFC 3339 or unix seconds, got %q", v)
	}
	return t, nil
}

func newApp(out io.Writer, open openFunc) *cli.Command {
	return &cli.Command{
		Name:      "acachectl",
		Usage:     "inspect and expire atomiccache keyspaces",
		ArgsUsage: "SEGMENT...",
		Writer:    out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "backend", Value: "redis", Usage: "key storage backend: redis or memcache", Sources: cli.EnvVars("ACACHECTL_BACKEND")},
			&cli.StringFlag{Name: "redis-addr", Value: "localhost:6379", Usage: "redis address", Sources: cli.EnvVars("ACACHECTL_REDIS_ADDR")},
			&cli.IntFlag{Name: "redis-db", Usage: "redis database"},
			&cli.StringFlag{Name: "redis-prefix", Usage: "key prefix used by the redis storage"},
			&cli.StringSliceFlag{Name: "memcache-server", Usage: "memcached server (repeatable)"},
			&cli.DurationFlag{Name: "timeout", Value: 2 * time.Second, Usage: "per-operation timeout"},
			&cli.StringFlag{Name: "config", Usage: "atomiccache settings YAML", Sources: cli.EnvVars("ACACHECTL_CONFIG")},
			&cli.StringFlag{Name: "namespace", Usage: "namespace segment (overrides config)"},
			&cli.StringFlag{Name: "separator", Usage: "segment separator (overrides config)"},
			&cli.StringFlag{Name: "timestamp-format", Usage: "unix, unix_milli, float or rfc3339 (overrides config)"},
			&cli.StringFlag{Name: "lmt-root", Usage: "segment owning a shared LMT (a registry scope name)"},
		},
		Commands: []*cli.Command{
			{
				Name:      "keys",
				Usage:     "print the keys derived for a keyspace",
				ArgsUsage: "SEGMENT...",
				Action: withSession(open, func(ctx context.Context, cmd *cli.Command, s *session) error {
					cur, ok, err := s.km.CurrentKey(ctx, s.ks)
					if err != nil {
						return err
					}
					if !ok {
						cur = "(no lmt)"
					}
					w := cmd.Root().Writer
					fmt.Fprintf(w, "current\t%s\n", cur)
					fmt.Fprintf(w, "lmt\t%s\n", s.km.LastModifiedTimeKey(s.ks))
					fmt.Fprintf(w, "lkk\t%s\n", s.ks.LastKnownKeyKey())
					fmt.Fprintf(w, "lock\t%s\n", s.ks.LockKey())
					return nil
				}),
			},
			{
				Name:      "inspect",
				Usage:     "show LMT, last known key and lock state",
				ArgsUsage: "SEGMENT...",
				Action: withSession(open, func(ctx context.Context, cmd *cli.Command, s *session) error {
					w := cmd.Root().Writer
					lmt, ok, err := s.km.LastModifiedTime(ctx, s.ks)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "lmt\t%s\n", orNone(lmt, ok))

					lkk, ok, err := s.km.LastKnownKey(ctx, s.ks)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "lkk\t%s\n", orNone(lkk, ok))
					if ok {
						v, live, err := s.store.Read(ctx, lkk)
						if err != nil {
							return err
						}
						if live {
							fmt.Fprintf(w, "lkk-value\t%d bytes\n", len(v))
						} else {
							fmt.Fprintf(w, "lkk-value\t(dangling)\n")
						}
					}

					_, locked, err := s.store.Read(ctx, s.ks.LockKey())
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "locked\t%t\n", locked)
					return nil
				}),
			},
			{
				Name:      "lmt",
				Usage:     "print the last-modified time",
				ArgsUsage: "SEGMENT...",
				Action: withSession(open, func(ctx context.Context, cmd *cli.Command, s *session) error {
					lmt, ok, err := s.km.LastModifiedTime(ctx, s.ks)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.Root().Writer, orNone(lmt, ok))
					return nil
				}),
			},
			{
				Name:      "expire",
				Usage:     "move the LMT so every value in the keyspace regenerates",
				ArgsUsage: "SEGMENT...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "at", Usage: "RFC 3339 time or unix seconds; default now"},
				},
				Action: withSession(open, func(ctx context.Context, cmd *cli.Command, s *session) error {
					at, err := parseAt(cmd.String("at"), time.Now())
					if err != nil {
						return err
					}
					if err := s.km.SetLastModifiedTime(ctx, s.ks, at); err != nil {
						return err
					}
					lmt, _, err := s.km.LastModifiedTime(ctx, s.ks)
					if err != nil {
						return err
					}
					log.WithFields(log.Fields{"key": s.km.LastModifiedTimeKey(s.ks), "lmt": lmt}).Info("expired")
					fmt.Fprintf(cmd.Root().Writer, "%s\t%s\n", s.km.LastModifiedTimeKey(s.ks), lmt)
					return nil
				}),
			},
			{
				Name:      "unlock",
				Usage:     "delete a generation lock left by a crashed generator",
				ArgsUsage: "SEGMENT...",
				Action: withSession(open, func(ctx context.Context, cmd *cli.Command, s *session) error {
					if err := s.km.Unlock(ctx, s.ks); err != nil {
						return err
					}
					fmt.Fprintf(cmd.Root().Writer, "unlocked\t%s\n", s.ks.LockKey())
					return nil
				}),
			},
		},
	}
}

func orNone(v string, ok bool) string {
	if !ok {
		return "(none)"
	}
	return v
}
