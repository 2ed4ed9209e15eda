package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"landrop/config"
	"landrop/crypto"
	"landrop/discovery"
	"landrop/identity"
	"landrop/network"
	"landrop/storage"
	"landrop/transfer"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	localIdentity, err := identity.Ensure(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing identity: %v", err)
	}
	defer localIdentity.Close()

	fmt.Printf("Peer ID:         %s\n", localIdentity.PeerID())
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(localIdentity.Fingerprint()))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Inbox:           %s\n", cfg.InboxDir)

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		log.Fatalf("startup failed while resolving data dir: %v", err)
	}
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	scanner, err := discovery.NewScanner(discovery.Config{
		SelfPeerID:  localIdentity.PeerID(),
		DeviceName:  cfg.DeviceName,
		Fingerprint: localIdentity.Fingerprint(),
	})
	if err != nil {
		log.Fatalf("startup failed while preparing discovery: %v", err)
	}

	manager, err := network.NewManager(network.ManagerOptions{
		Identity:  localIdentity,
		Discovery: scanner.Observations(),
	})
	if err != nil {
		log.Fatalf("startup failed while preparing peer manager: %v", err)
	}

	engine, err := transfer.NewEngine(manager, transfer.Options{
		InboxDir:   cfg.InboxDir,
		Store:      store,
		AutoAccept: true,
	})
	if err != nil {
		log.Fatalf("startup failed while preparing transfer engine: %v", err)
	}
	for _, kind := range engine.Kinds() {
		manager.Handle(kind, engine.HandleMessage)
	}

	requestedPort := cfg.ListenPort
	if cfg.PortMode == config.PortModeAutomatic {
		requestedPort = 0
	}
	port, err := manager.Start(requestedPort)
	if err != nil {
		log.Fatalf("startup failed while binding listener: %v", err)
	}
	defer manager.Stop()
	fmt.Printf("Listening Port:  %d\n", port)

	if err := scanner.Start(); err != nil {
		log.Fatalf("startup failed while starting discovery scan: %v", err)
	}
	defer scanner.Stop()

	broadcaster, err := discovery.StartBroadcaster(discovery.Config{
		SelfPeerID:  localIdentity.PeerID(),
		DeviceName:  cfg.DeviceName,
		ListenPort:  port,
		Fingerprint: localIdentity.Fingerprint(),
	})
	if err != nil {
		logrus.WithError(err).Warn("mDNS broadcast unavailable")
	} else {
		defer broadcaster.Stop()
		fmt.Println("Discovery:       running")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pumpNetworkEvents(manager, engine, store)
	go pumpTransferEvents(engine)

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
	engine.Stop()
}

func pumpNetworkEvents(manager *network.Manager, engine *transfer.Engine, store *storage.Store) {
	for event := range manager.Events() {
		switch event.Type {
		case network.EventPeerDiscovered:
			logrus.WithFields(logrus.Fields{"remote": event.PeerID, "endpoint": event.Endpoint}).Info("peer discovered")
			if err := store.UpsertPeer(storage.Peer{PeerID: event.PeerID, LastEndpoint: event.Endpoint}); err != nil {
				logrus.WithError(err).Debug("peer upsert failed")
			}
		case network.EventPeerConnected:
			logrus.WithFields(logrus.Fields{"remote": event.PeerID, "direction": event.Direction}).Info("peer connected")
			if err := store.UpsertPeer(storage.Peer{PeerID: event.PeerID, LastEndpoint: event.Endpoint}); err != nil {
				logrus.WithError(err).Debug("peer upsert failed")
			}
		case network.EventPeerDisconnected:
			logrus.WithFields(logrus.Fields{"remote": event.PeerID, "reason": event.Reason}).Info("peer disconnected")
			engine.PeerDisconnected(event.PeerID)
		case network.EventPeerConnectionFailed:
			logrus.WithFields(logrus.Fields{"remote": event.PeerID, "reason": event.Reason}).Warn("connection failed")
		case network.EventMessageReceived:
			logrus.WithFields(logrus.Fields{"remote": event.PeerID, "kind": event.Kind.String()}).Debug("message received")
		}
	}
}

func pumpTransferEvents(engine *transfer.Engine) {
	for event := range engine.Events() {
		switch event.Type {
		case transfer.EventTransferOffered:
			logrus.WithFields(logrus.Fields{"transfer": event.TransferID, "file": event.FileName, "from": event.PeerID}).Info("file offered")
		case transfer.EventTransferProgress:
			logrus.WithFields(logrus.Fields{"transfer": event.TransferID, "bytes": event.BytesTransferred, "total": event.TotalBytes}).Debug("transfer progress")
		case transfer.EventTransferCompleted:
			if event.Success {
				logrus.WithFields(logrus.Fields{"transfer": event.TransferID, "path": event.Path}).Info("transfer completed")
			} else {
				logrus.WithFields(logrus.Fields{"transfer": event.TransferID, "reason": event.Reason}).Warn("transfer failed")
			}
		case transfer.EventClipboardReceived:
			logrus.WithFields(logrus.Fields{"from": event.PeerID, "bytes": len(event.Clipboard.Data)}).Info("clipboard received")
		}
	}
}
