package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/blockcache/config"
	buffercache "github.com/sushant-115/blockcache/core/write_engine/buffer_cache"
	pagemanager "github.com/sushant-115/blockcache/core/write_engine/page_manager"
	"github.com/sushant-115/blockcache/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/blockcache/internal/telemetry"
	"github.com/sushant-115/blockcache/pkg/logger"
	"github.com/sushant-115/blockcache/pkg/telemetry"
)

const commandTimeout = 30 * time.Second

// session is one CLI process attached to a block directory. Every mutating
// command runs as its own transaction and waits for it to become durable.
type session struct {
	id     string
	logger *zap.Logger
	ser    *wal.FileSerializer
	dir    *buffercache.Directory
}

func openSession(ctx context.Context, cfg config.Config, log *zap.Logger, metrics *internaltelemetry.CacheMetrics, tel *telemetry.Telemetry) (*session, error) {
	ser, err := wal.OpenFileSerializer(wal.FileSerializerConfig{
		Dir:              cfg.Serializer.Dir,
		BlockSize:        cfg.Serializer.BlockSize,
		SegmentSizeLimit: cfg.Serializer.SegmentSizeLimit,
		WriteBytesPerSec: cfg.Serializer.WriteBytesPerSec,
		Sync:             cfg.Serializer.Sync,
		DirectRead:       cfg.Serializer.DirectRead,
	}, log)
	if err != nil {
		return nil, err
	}
	dir, err := buffercache.Open(ctx, buffercache.Options{
		Serializer:       ser,
		MaxDirtyPages:    cfg.Cache.MaxDirtyPages,
		MemoryLimitBytes: cfg.Cache.MemoryLimitBytes,
		ReadAhead:        cfg.Cache.ReadAhead,
		Logger:           log,
		Metrics:          metrics,
		Tracer:           tel.Tracer,
	})
	if err != nil {
		ser.Close()
		return nil, err
	}
	s := &session{id: uuid.NewString(), ser: ser, dir: dir}
	s.logger = log.With(zap.String("session_id", s.id), zap.String("instance_id", ser.InstanceID()))
	s.logger.Info("cli session opened", zap.String("dir", cfg.Serializer.Dir))
	return s, nil
}

func (s *session) close(ctx context.Context) error {
	err := s.dir.Close(ctx)
	return errors.Join(err, s.ser.Close())
}

// pad copies text into a zeroed block-sized payload.
func (s *session) pad(text string) ([]byte, error) {
	size := s.ser.BlockSize()
	if len(text) > size {
		return nil, fmt.Errorf("value is %d bytes but blocks hold %d", len(text), size)
	}
	out := make([]byte, size)
	copy(out, text)
	return out, nil
}

func (s *session) create(ctx context.Context, text string) (pagemanager.BlockID, error) {
	payload, err := s.pad(text)
	if err != nil {
		return 0, err
	}
	txn, err := s.dir.BeginTxn(ctx, 1)
	if err != nil {
		return 0, err
	}
	a := txn.Create()
	buf, err := a.Write(ctx)
	if err == nil {
		copy(buf, payload)
	}
	a.Release()
	txn.End()
	if err != nil {
		return 0, err
	}
	return a.BlockID(), txn.Wait(ctx)
}

// mutate runs fn against an exclusive handle on id inside a new transaction.
func (s *session) mutate(ctx context.Context, id pagemanager.BlockID, fn func(*buffercache.Access) error) error {
	txn, err := s.dir.BeginTxn(ctx, 1)
	if err != nil {
		return err
	}
	a, err := txn.Acquire(id, buffercache.ModeWrite)
	if err != nil {
		txn.End()
		return err
	}
	err = a.WaitWrite(ctx)
	if err == nil {
		err = fn(a)
	}
	a.Release()
	txn.End()
	if err != nil {
		return err
	}
	return txn.Wait(ctx)
}

func (s *session) write(ctx context.Context, id pagemanager.BlockID, text string) error {
	payload, err := s.pad(text)
	if err != nil {
		return err
	}
	return s.mutate(ctx, id, func(a *buffercache.Access) error {
		buf, err := a.Write(ctx)
		if err != nil {
			return err
		}
		copy(buf, payload)
		return nil
	})
}

func (s *session) remove(ctx context.Context, id pagemanager.BlockID) error {
	return s.mutate(ctx, id, func(a *buffercache.Access) error { return a.Delete(ctx) })
}

// touch bumps the recency of id without changing its bytes.
func (s *session) touch(ctx context.Context, id pagemanager.BlockID) error {
	return s.mutate(ctx, id, func(*buffercache.Access) error { return nil })
}

func (s *session) read(ctx context.Context, id pagemanager.BlockID) (string, pagemanager.Recency, error) {
	a, err := s.dir.AcquireRead(id)
	if err != nil {
		return "", 0, err
	}
	defer a.Release()
	if err := a.WaitRead(ctx); err != nil {
		return "", 0, err
	}
	data, err := a.Read(ctx)
	if err != nil {
		return "", 0, err
	}
	return string(bytes.TrimRight(data, "\x00")), a.Recency(), nil
}

func parseBlockID(arg string) (pagemanager.BlockID, error) {
	n, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block id %q", arg)
	}
	return pagemanager.BlockID(n), nil
}

// processCommand parses and executes one command line. It returns false when
// the session should end.
func (s *session) processCommand(args []string) bool {
	if len(args) == 0 {
		fmt.Println("Error: No command provided.")
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch strings.ToLower(args[0]) {
	case "create":
		id, err := s.create(ctx, strings.Join(args[1:], " "))
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Printf("Created block %d\n", id)
	case "write":
		if len(args) < 3 {
			fmt.Println("Error: write command requires a block id and a value.")
			return true
		}
		id, err := parseBlockID(args[1])
		if err == nil {
			err = s.write(ctx, id, strings.Join(args[2:], " "))
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Printf("Wrote block %d\n", id)
	case "read":
		if len(args) != 2 {
			fmt.Println("Error: read command requires a block id.")
			return true
		}
		id, err := parseBlockID(args[1])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		text, recency, err := s.read(ctx, id)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Printf("Block %d (recency %d): %q\n", id, recency, text)
	case "touch", "delete":
		if len(args) != 2 {
			fmt.Printf("Error: %s command requires a block id.\n", args[0])
			return true
		}
		id, err := parseBlockID(args[1])
		if err == nil {
			if strings.ToLower(args[0]) == "delete" {
				err = s.remove(ctx, id)
			} else {
				err = s.touch(ctx, id)
			}
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Println("OK")
	case "flush":
		if err := s.dir.FlushAll(ctx); err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Println("All transactions flushed")
	case "archive":
		if len(args) != 2 {
			fmt.Println("Error: archive command requires a destination directory.")
			return true
		}
		copied, err := s.ser.Archive(ctx, args[1])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return true
		}
		fmt.Printf("Archived %d sealed segment(s) to %s\n", len(copied), args[1])
	case "stats":
		st := s.dir.Stats()
		fmt.Printf("slots=%d free_ids=%d resident=%d pages/%d bytes unloaded=%d dirty=%d live_txns=%d\n",
			st.Slots, st.FreeIDs, st.ResidentPages, st.ResidentBytes, st.UnloadedPages, st.DirtyPages, st.LiveTxns)
		fmt.Printf("flush_batches=%d flushed_txns=%d evictions=%d read_ahead=%d\n",
			st.FlushBatches, st.FlushedTxns, st.Evictions, st.ReadAheadTaken)
	case "help":
		fmt.Println("Commands:")
		fmt.Println("  create [value]")
		fmt.Println("  write <id> <value>")
		fmt.Println("  read <id>")
		fmt.Println("  touch <id>")
		fmt.Println("  delete <id>")
		fmt.Println("  flush")
		fmt.Println("  archive <dir>")
		fmt.Println("  stats")
		fmt.Println("  help")
		fmt.Println("  exit / quit")
	case "exit", "quit":
		fmt.Println("Exiting blockcache CLI.")
		return false
	default:
		fmt.Println("Error: Unknown command. Type 'help' for a list of commands.")
	}
	return true
}

func (s *session) interactive() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "blockcache> ",
		HistoryFile:     os.ExpandEnv("$HOME/.blockcache_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("blockcache CLI (interactive mode). Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			continue
		case errors.Is(err, io.EOF):
			fmt.Println("Exiting blockcache CLI.")
			return nil
		case err != nil:
			return fmt.Errorf("error reading input: %w", err)
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if !s.processCommand(args) {
			return nil
		}
	}
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	dataDir := flag.String("dir", "", "override serializer.dir")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Error: %v", err)
		}
	}
	if *dataDir != "" {
		cfg.Serializer.Dir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Error: %v", err)
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Error: failed to build logger: %v", err)
	}
	defer zlog.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlog.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer shutdown(context.Background())
	metrics, err := internaltelemetry.NewCacheMetrics(tel.Meter)
	if err != nil {
		zlog.Fatal("failed to register cache metrics", zap.Error(err))
	}

	s, err := openSession(context.Background(), cfg, zlog, metrics, tel)
	if err != nil {
		zlog.Fatal("failed to open block cache", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := s.close(ctx); err != nil {
			zlog.Error("failed to close block cache", zap.Error(err))
		}
	}()

	if flag.NArg() > 0 {
		s.processCommand(flag.Args())
		return
	}
	if err := s.interactive(); err != nil {
		zlog.Error("interactive session failed", zap.Error(err))
	}
}
