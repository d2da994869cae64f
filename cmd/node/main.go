// Command node runs a single cluster member: it loads a YAML config
// file, wires the concrete SQLite engine, TCP transport, and admin
// HTTP surface together, then drives the node's FSM tick loop until
// asked to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sqlcluster/internal/admin"
	"sqlcluster/internal/config"
	"sqlcluster/internal/db"
	"sqlcluster/internal/logger"
	"sqlcluster/internal/node"
	"sqlcluster/internal/peerset"
	"sqlcluster/internal/transport"
)

func main() {
	configPath := flag.String("config", "node.yaml", "path to the node's YAML cluster config")
	dataDir := flag.String("data", "data", "directory for the node's SQLite file and log")
	flag.Parse()

	if err := run(*configPath, *dataDir); err != nil {
		log.Fatalf("node: %v", err)
	}
}

func run(configPath, dataDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.Open(dataDir, cfg.Node.Name)
	if err != nil {
		return err
	}
	defer log.Close()

	engine, err := db.OpenSQLite(fmt.Sprintf("%s/%s.db", dataDir, cfg.Node.Name))
	if err != nil {
		return err
	}

	peers := peerset.NewRegistry()
	tr := transport.NewTCP(cfg.Node.Listen, log.Logger)
	nextPeerID := 1
	for _, spec := range cfg.Peers {
		addr, err := config.ParsePeerURI(spec.URI)
		if err != nil {
			return err
		}
		id := nextPeerID
		nextPeerID++
		peers.Add(peerset.New(id, addr))
		tr.AddPeer(id, addr.Name, addr)
	}

	adminSrv := admin.New(log, cfg.Node.Admin)

	n := node.New(cfg, node.Deps{
		Transport: tr,
		Engine:    engine,
		Peers:     peers,
		Log:       log,
		Server:    adminSrv,
	})
	adminSrv.SetNode(n)

	if err := tr.Start(); err != nil {
		return err
	}
	if err := adminSrv.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stopTicking := make(chan struct{})
	go runTickLoop(n, stopTicking)

	<-sigCh
	log.Info("node: shutdown signal received")

	n.BeginShutdown(30 * time.Second)
	for !n.ShutdownComplete() {
		time.Sleep(50 * time.Millisecond)
	}
	close(stopTicking)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adminSrv.Stop(ctx); err != nil {
		log.Warn("node: admin server shutdown error", "error", err)
	}
	return tr.Close()
}

// runTickLoop drives Node.Update forever: a tick that reports it made
// progress (returned true) is retried immediately, otherwise the loop
// waits briefly before the next tick.
func runTickLoop(n *node.Node, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if !n.Update() {
			time.Sleep(100 * time.Millisecond)
		}
	}
}
