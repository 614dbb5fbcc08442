// admin is the operator CLI for circles: room management and seat cleanup
// straight against the database.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"circles/backend/internal/models"
	"circles/backend/internal/relay"
	"circles/backend/internal/room"
	"circles/backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const commandTimeout = 30 * time.Second

type adminConfig struct {
	DatabaseURL   string `env:"DATABASE_URL,required"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
}

// app holds what every command needs.
type app struct {
	store      storage.Storage
	directory  *room.Directory
	membership *room.Membership
	out        io.Writer
}

type command struct {
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"create-room": {"create-room --name N --name-fa N --description D --description-fa D [--mode text|audio] [--capacity 8]", createRoomCmd},
	"seed":        {"seed --file rooms.yaml", seedCmd},
	"list-rooms":  {"list-rooms", listRoomsCmd},
	"expire-idle": {"expire-idle [--older-than 5m]", expireIdleCmd},
	"kick":        {"kick --room <id> --session <id>", kickCmd},
	"migrate":     {"migrate", nil},
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return fmt.Errorf("a command is required")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}

	_ = godotenv.Load()
	var cfg adminConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	if err := storage.Migrate(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if args[0] == "migrate" {
		fmt.Println("migrations applied")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var rdb *redis.Client
	var events relay.Publisher = relay.Discard{}
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Str("module", "admin").Err(err).Msg("redis unreachable, live clients will not be notified")
			rdb = nil
		} else {
			events = relay.NewRedisBus(rdb)
		}
	}

	return cmd.run(ctx, newApp(storage.NewStorageService(db, rdb), events, os.Stdout), args[1:])
}

func newApp(store storage.Storage, events relay.Publisher, out io.Writer) *app {
	return &app{
		store:      store,
		directory:  room.NewDirectory(store),
		membership: room.NewMembership(store, events, false),
		out:        out,
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: admin <command> [flags]")
	for _, name := range []string{"create-room", "seed", "list-rooms", "expire-idle", "kick", "migrate"} {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
}

func createRoomCmd(ctx context.Context, a *app, args []string) error {
	var in room.CreateRoomInput
	var mode string
	fs := pflag.NewFlagSet("create-room", pflag.ContinueOnError)
	fs.StringVar(&in.Name, "name", "", "room name in English")
	fs.StringVar(&in.NameFa, "name-fa", "", "room name in Persian")
	fs.StringVar(&in.Description, "description", "", "description in English")
	fs.StringVar(&in.DescriptionFa, "description-fa", "", "description in Persian")
	fs.StringVar(&mode, "mode", "text", "text or audio")
	fs.IntVar(&in.Capacity, "capacity", 8, "maximum number of seats")
	if err := fs.Parse(args); err != nil {
		return err
	}
	in.Mode = models.RoomMode(mode)

	r, err := a.directory.Create(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "created room %s (%s)\n", r.ID, r.Name)
	return nil
}

// seedFile is the YAML layout accepted by seed.
type seedFile struct {
	Rooms []room.CreateRoomInput `yaml:"rooms"`
}

func seedCmd(ctx context.Context, a *app, args []string) error {
	var path string
	fs := pflag.NewFlagSet("seed", pflag.ContinueOnError)
	fs.StringVarP(&path, "file", "f", "", "YAML file with a rooms list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("--file is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	rooms, err := parseSeed(raw)
	if err != nil {
		return err
	}

	created, err := a.directory.Seed(ctx, rooms)
	for _, r := range created {
		fmt.Fprintf(a.out, "created room %s (%s)\n", r.ID, r.Name)
	}
	return err
}

func parseSeed(raw []byte) ([]room.CreateRoomInput, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	if len(f.Rooms) == 0 {
		return nil, fmt.Errorf("seed file has no rooms")
	}
	return f.Rooms, nil
}

func listRoomsCmd(ctx context.Context, a *app, args []string) error {
	rooms, err := a.directory.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODE\tSEATS\tCREATED")
	for _, r := range rooms {
		taken, err := a.store.ActiveSeatNumbers(ctx, r.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n", r.ID, r.Name, r.Mode, len(taken), r.Capacity, r.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func expireIdleCmd(ctx context.Context, a *app, args []string) error {
	var olderThan time.Duration
	fs := pflag.NewFlagSet("expire-idle", pflag.ContinueOnError)
	fs.DurationVar(&olderThan, "older-than", 5*time.Minute, "release seats idle for longer than this")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	n, err := a.membership.ExpireIdle(ctx, olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "released %d idle seats\n", n)
	return nil
}

func kickCmd(ctx context.Context, a *app, args []string) error {
	var roomID, sessionID string
	fs := pflag.NewFlagSet("kick", pflag.ContinueOnError)
	fs.StringVar(&roomID, "room", "", "room id")
	fs.StringVar(&sessionID, "session", "", "session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if roomID == "" || sessionID == "" {
		return fmt.Errorf("--room and --session are required")
	}
	left, err := a.membership.Leave(ctx, roomID, sessionID)
	if err != nil {
		return err
	}
	if !left {
		fmt.Fprintln(a.out, "session holds no seat in that room")
		return nil
	}
	fmt.Fprintln(a.out, "seat released")
	return nil
}
