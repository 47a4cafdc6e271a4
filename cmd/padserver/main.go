package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ruteri/masterpad-provisioning-backend/bootstrap"
	"github.com/ruteri/masterpad-provisioning-backend/cmd/flags"
	"github.com/ruteri/masterpad-provisioning-backend/entropy"
	"github.com/ruteri/masterpad-provisioning-backend/httpserver"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/padstore"
	"github.com/ruteri/masterpad-provisioning-backend/protocol"
	"github.com/ruteri/masterpad-provisioning-backend/storage"
	"github.com/ruteri/masterpad-provisioning-backend/transport"
	"github.com/urfave/cli/v2"
)

var PadServiceLogFlag = flags.LogServiceFlagFn("masterpad")

var MemberFlag = &cli.UintFlag{
	Name:     "member",
	Required: true,
	Usage:    "this device's member index within the pad group (1-255)",
}
var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}
var PeerListenAddrFlag = &cli.StringFlag{
	Name:  "peer-listen-addr",
	Value: "127.0.0.1:9370",
	Usage: "address to listen on for peer ceremony and heartbeat channels",
}
var PeerFlag = &cli.StringSliceFlag{
	Name:  "peer",
	Usage: "static peer address as <member>@<host:port>, repeatable",
}
var DNSSeedFlag = &cli.StringFlag{
	Name:  "dns-seed",
	Usage: "DNS name whose TXT records list peer endpoints",
}
var DNSServerFlag = &cli.StringFlag{
	Name:  "dns-server",
	Usage: "DNS server for seed lookups, defaults to the local resolver stub",
}
var DataDirFlag = &cli.StringFlag{
	Name:  "data-dir",
	Value: "masterpad-data",
	Usage: "directory for the device identity, share blocks and the pad manifest",
}
var AdminKeysFileFlag = &cli.StringFlag{
	Name:     "admin-keys-file",
	Required: true,
	Usage:    "JSON file with admin public keys for the operator API",
}
var ShareStoreFlag = &cli.StringSliceFlag{
	Name:  "share-store",
	Usage: "share store URI (file://, s3://, ipfs://, vault://), repeatable for replicated backends; defaults to a file store under data-dir",
}
var ManualPersistFlag = &cli.BoolFlag{
	Name:  "manual-persist",
	Value: false,
	Usage: "hold ceremonies at the persistence stage until an admin confirms backups",
}
var PersistTimeoutFlag = &cli.Int64Flag{
	Name:  "persist-timeout-seconds",
	Value: 600,
	Usage: "seconds a held ceremony waits for persistence confirmation before aborting",
}

func main() {
	app := &cli.App{
		Name:  "masterpad-server",
		Usage: "Serve one pad group member: peer protocol plus operator API",
		Flags: append([]cli.Flag{
			MemberFlag,
			ListenAddrFlag,
			PeerListenAddrFlag,
			PeerFlag,
			DNSSeedFlag,
			DNSServerFlag,
			DataDirFlag,
			AdminKeysFileFlag,
			ShareStoreFlag,
			ManualPersistFlag,
			PersistTimeoutFlag,
			PadServiceLogFlag,
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			// Parse basic configuration
			memberIndex := cCtx.Uint(MemberFlag.Name)
			listenAddr := cCtx.String(ListenAddrFlag.Name)
			peerListenAddr := cCtx.String(PeerListenAddrFlag.Name)
			dataDir := cCtx.String(DataDirFlag.Name)
			adminKeysFile := cCtx.String(AdminKeysFileFlag.Name)

			if memberIndex == 0 || memberIndex > 255 {
				return errors.New("member must be between 1 and 255")
			}
			member := interfaces.MemberID(memberIndex)

			// Setup logger
			logger := flags.SetupLogger(cCtx)

			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				logger.Error("Failed to create data directory", "err", err)
				return err
			}

			// Load admin keys
			logger.Info("Loading admin keys", "file", adminKeysFile)
			adminKeysData, err := os.Open(adminKeysFile)
			if err != nil {
				logger.Error("Failed to open admin keys file", "err", err)
				return err
			}
			defer adminKeysData.Close()

			adminKeys, err := httpserver.LoadAdminKeys(adminKeysData)
			if err != nil {
				logger.Error("Failed to load admin keys", "err", err)
				return err
			}
			logger.Info("Admin keys loaded successfully", "count", len(adminKeys))

			// Device identity, persisted so restarts keep the fingerprint
			// and sealed shares stay openable
			id, err := loadOrCreateIdentity(logger, member, filepath.Join(dataDir, "identity.hex"))
			if err != nil {
				logger.Error("Failed to set up device identity", "err", err)
				return err
			}

			// Peer discovery from static addresses and an optional DNS seed
			staticPeers, err := parsePeers(cCtx.StringSlice(PeerFlag.Name))
			if err != nil {
				logger.Error("Failed to parse peer addresses", "err", err)
				return err
			}
			discovery := bootstrap.NewDiscovery(logger, staticPeers,
				cCtx.String(DNSSeedFlag.Name), cCtx.String(DNSServerFlag.Name))

			// Working stores
			blocks, err := padstore.Open(filepath.Join(dataDir, "blocks"), id.Secret())
			if err != nil {
				logger.Error("Failed to open block store", "err", err)
				return err
			}
			defer blocks.Close()

			shareStore, err := openShareStore(cCtx, logger, dataDir)
			if err != nil {
				logger.Error("Failed to open share store", "err", err)
				return err
			}

			// Entropy sources for ceremony contributions
			sources := []entropy.Source{entropy.SystemSource{}}
			if jitter, err := entropy.NewJitterSource(); err != nil {
				logger.Warn("Timing jitter source unavailable", "err", err)
			} else {
				sources = append(sources, jitter)
			}
			collector, err := entropy.NewCollector(logger, sources...)
			if err != nil {
				logger.Error("Failed to create entropy collector", "err", err)
				return err
			}

			cfg := protocol.Config{
				Log:       logger,
				Identity:  id,
				Discovery: discovery,
				Dialer:    transport.NewTCPDialer(member),
				Listen: func() (interfaces.Listener, error) {
					return transport.ListenTCP(peerListenAddr)
				},
				Collector:             collector,
				Blocks:                blocks,
				ShareStore:            shareStore,
				ManifestPath:          filepath.Join(dataDir, "manifest.json"),
				ManualPersistenceGate: cCtx.Bool(ManualPersistFlag.Name),
			}
			if cfg.ManualPersistenceGate {
				cfg.StageTimeouts = map[bootstrap.Stage]time.Duration{
					bootstrap.StagePersistence: time.Duration(cCtx.Int64(PersistTimeoutFlag.Name)) * time.Second,
				}
			}

			node, err := protocol.New(cfg)
			if err != nil {
				logger.Error("Failed to create protocol node", "err", err)
				return err
			}

			// A manifest on disk means this device held a pad before the
			// restart; recover it so the admin sees the real watermark.
			if _, err := os.Stat(cfg.ManifestPath); err == nil {
				logger.Info("Manifest found, recovering pad state")
				recoverCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if err := node.Recover(recoverCtx); err != nil {
					logger.Warn("Pad recovery failed, node stays offline", "err", err)
				}
				cancel()
			}

			handler := httpserver.NewHandler(node, logger)
			adminHandler := httpserver.NewAdminHandler(logger, node, adminKeys)

			srv, err := httpserver.New(flags.ConfigureServer(cCtx, logger, listenAddr), handler, adminHandler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server", "member", member.String(), "listenAddr", listenAddr)
			srv.RunInBackground()

			// Wait for termination signal
			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			// Shutdown server gracefully, then the node so the final usage
			// watermark lands in the manifest
			srv.Shutdown()
			if err := node.Close(); err != nil {
				logger.Warn("Node close reported an error", "err", err)
			}
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadOrCreateIdentity reuses the identity file when present and mints a
// fresh device identity on first start.
func loadOrCreateIdentity(logger *slog.Logger, member interfaces.MemberID, path string) (*bootstrap.Identity, error) {
	if _, err := os.Stat(path); err == nil {
		id, err := bootstrap.LoadIdentityFile(member, path)
		if err != nil {
			return nil, fmt.Errorf("loading identity from %s: %w", path, err)
		}
		logger.Info("Loaded device identity", "fingerprint", id.Fingerprint())
		return id, nil
	}

	id, err := bootstrap.NewIdentity(member, rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := id.SaveFile(path); err != nil {
		return nil, fmt.Errorf("saving identity to %s: %w", path, err)
	}
	logger.Info("Generated device identity", "fingerprint", id.Fingerprint())
	return id, nil
}

// parsePeers parses repeated --peer values of the form <member>@<host:port>.
func parsePeers(entries []string) ([]interfaces.PeerAddress, error) {
	var peers []interfaces.PeerAddress
	for _, entry := range entries {
		memberPart, endpoint, ok := strings.Cut(entry, "@")
		if !ok || endpoint == "" {
			return nil, fmt.Errorf("peer %q is not <member>@<host:port>", entry)
		}
		index, err := strconv.ParseUint(memberPart, 10, 8)
		if err != nil || index == 0 {
			return nil, fmt.Errorf("peer %q has an invalid member index", entry)
		}
		peers = append(peers, interfaces.PeerAddress{
			Member:   interfaces.MemberID(index),
			Endpoint: endpoint,
		})
	}
	return peers, nil
}

// openShareStore builds the share store from --share-store URIs, replicating
// across all of them when more than one is given. Without the flag shares
// land in a file store under the data directory.
func openShareStore(cCtx *cli.Context, logger *slog.Logger, dataDir string) (interfaces.ShareStore, error) {
	uris := cCtx.StringSlice(ShareStoreFlag.Name)
	if len(uris) == 0 {
		sharesDir, err := filepath.Abs(filepath.Join(dataDir, "shares"))
		if err != nil {
			return nil, err
		}
		uris = []string{"file://" + sharesDir}
	}

	locations := make([]interfaces.ShareStoreLocation, 0, len(uris))
	for _, uri := range uris {
		location, err := interfaces.NewShareStoreLocation(uri)
		if err != nil {
			return nil, fmt.Errorf("share store URI %q: %w", uri, err)
		}
		locations = append(locations, location)
	}

	factory := storage.NewShareStoreFactory(logger)
	if len(locations) == 1 {
		return factory.ShareStoreFor(locations[0])
	}
	return factory.CreateMultiStore(locations)
}
