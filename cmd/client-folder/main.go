// Command client-folder is the folder agent: it watches a local Obsidian
// vault, keeps a CRDT replica of every document in it, and syncs that
// replica with a Syncline relay over the Document Session Protocol
// (spec.md §6 "Client CLI").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tomas789/syncline/internal/blobstore"
	"github.com/tomas789/syncline/internal/fsadapter"
	"github.com/tomas789/syncline/internal/netclient"
	"github.com/tomas789/syncline/internal/replica"
	"github.com/tomas789/syncline/internal/xlog"
)

const (
	defaultDiscoverTimeout  = 5 * time.Second
	defaultMaxBackoff       = 30 * time.Second
	periodicPersistInterval = 10 * time.Second
)

func main() {
	v := viper.New()
	v.SetEnvPrefix("SYNCLINE")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "client-folder",
		Short:        "Syncline folder agent",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}
	flags := root.Flags()
	flags.String("dir", "", "vault directory to watch (required)")
	flags.String("url", "", "relay URL, e.g. ws://host:port/sync (empty triggers LAN discovery)")
	flags.String("name", "", "identity announced in HELLO (defaults to a persisted UUID)")
	flags.String("log-format", "console", "log output format: console or json")
	flags.Duration("discover-timeout", defaultDiscoverTimeout, "how long to browse for a relay before falling back to the default URL")
	flags.Duration("reconnect-max-backoff", defaultMaxBackoff, "cap on reconnect backoff")
	root.MarkFlagRequired("dir")
	v.BindPFlags(flags)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	log := xlog.New(v.GetString("log-format"), "client-folder")

	dir, err := filepath.Abs(v.GetString("dir"))
	if err != nil {
		return fmt.Errorf("client-folder: resolve --dir: %w", err)
	}
	stateDir := filepath.Join(dir, ".syncline")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("client-folder: create state dir: %w", err)
	}

	disk, err := blobstore.Open(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return fmt.Errorf("client-folder: open local state: %w", err)
	}
	defer disk.Close()

	identity := v.GetString("name")
	if identity == "" {
		identity = persistentIdentity(disk)
	}

	// client is assigned below; the closure is only invoked for local edits,
	// which start with the adapter after the assignment has happened.
	var client *netclient.Client
	rep := replica.New(identity, outboundFunc(func(docID string, update []byte) error {
		return client.SendUpdate(docID, update)
	}), log)

	seedReplicaFromDisk(rep, disk, log)

	client = netclient.New(netclient.Config{
		URL:             v.GetString("url"),
		ClientName:      identity,
		DiscoverTimeout: v.GetDuration("discover-timeout"),
		MaxBackoff:      v.GetDuration("reconnect-max-backoff"),
	}, rep, log, func(docID string) {
		// ErrHistoryLost: discard local metadata and let the next snapshot
		// from the relay re-seed this doc from scratch (spec.md §7).
		rep.DropDoc(docID)
		disk.DeleteDoc(docID)
		if err := client.RequestSync(docID, nil); err != nil {
			log.Warn().Err(err).Str("doc_id", docID).Msg("failed to re-request document after history loss")
		}
	})

	adapter := fsadapter.New(dir, rep, client, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.Run(ctx)
	go persistReplicaPeriodically(ctx, rep, disk, log)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("shutting down")
		cancel()
	}()

	err = adapter.Run(ctx)
	persistReplica(rep, disk, log)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("filesystem adapter stopped unexpectedly")
		return err
	}
	return nil
}

type outboundFunc func(docID string, update []byte) error

func (f outboundFunc) SendUpdate(docID string, update []byte) error { return f(docID, update) }

// persistentIdentity returns a stable per-install peer name, generating
// and persisting a UUID on first run so restarts don't change the CRDT
// peer ID the local replica writes under.
func persistentIdentity(disk *blobstore.Store) string {
	if id, ok, err := disk.LoadDoc("__identity__"); err == nil && ok {
		return string(id)
	}
	id := uuid.NewString()
	disk.SaveDoc("__identity__", []byte(id))
	return id
}

func seedReplicaFromDisk(rep *replica.Replica, disk *blobstore.Store, log zerolog.Logger) {
	if snap, ok, err := disk.LoadIndex(); err == nil && ok {
		if err := rep.Index().ApplyUpdate(snap); err != nil {
			log.Warn().Err(err).Msg("failed to restore persisted index")
		}
	}
	ids, err := disk.KnownDocIDs()
	if err != nil {
		log.Warn().Err(err).Msg("failed to list persisted documents")
		return
	}
	for _, docID := range ids {
		if docID == "__identity__" {
			continue
		}
		snap, ok, err := disk.LoadDoc(docID)
		if err != nil || !ok {
			continue
		}
		if _, err := rep.LoadDoc(docID, snap); err != nil {
			log.Warn().Err(err).Str("doc_id", docID).Msg("failed to restore persisted document")
		}
	}
}

func persistReplica(rep *replica.Replica, disk *blobstore.Store, log zerolog.Logger) {
	if err := disk.SaveIndex(rep.Index().EncodeSnapshot()); err != nil {
		log.Warn().Err(err).Msg("failed to persist index")
	}
	for _, docID := range rep.KnownDocIDs() {
		doc := rep.EnsureDoc(docID)
		if err := disk.SaveDoc(docID, doc.EncodeSnapshot()); err != nil {
			log.Warn().Err(err).Str("doc_id", docID).Msg("failed to persist document")
		}
	}
}

func persistReplicaPeriodically(ctx context.Context, rep *replica.Replica, disk *blobstore.Store, log zerolog.Logger) {
	ticker := time.NewTicker(periodicPersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			persistReplica(rep, disk, log)
		}
	}
}
