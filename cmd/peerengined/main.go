// Command peerengined runs the peer-discovery and piece-acquisition engine
// as a standalone daemon: it loads configuration, opens the resume
// database, and adds whichever torrents or magnet links were passed on the
// command line, then waits for a signal to shut down cleanly.
//
// peerengined wires no PeerManager or PieceManager of its own — those
// ports are owned by the embedding application (see session.Options). Run
// without them, the daemon still drives tracker announces, DHT discovery,
// and checkpointing; it just never receives piece data.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cenkalti/peerengine/internal/config"
	"github.com/cenkalti/peerengine/internal/logger"
	"github.com/cenkalti/peerengine/internal/metainfo"
	"github.com/cenkalti/peerengine/session"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file (defaults used if absent)")
		torrents   = flag.String("torrents", "", "comma-separated .torrent file paths to add at startup")
		magnets    = flag.String("magnets", "", "comma-separated magnet URIs to add at startup")
		outputDir  = flag.String("out", ".", "directory torrents are downloaded into")
	)
	flag.Parse()

	log := logger.New("peerengined")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("loading config: %v", err)
		os.Exit(1)
	}

	sess, err := session.New(cfg, session.Options{})
	if err != nil {
		log.Errorf("starting session: %v", err)
		os.Exit(1)
	}
	defer sess.Close()

	for _, path := range splitNonEmpty(*torrents) {
		if err := addTorrentFile(sess, path, *outputDir); err != nil {
			log.Errorf("adding torrent %s: %v", path, err)
		}
	}
	for _, uri := range splitNonEmpty(*magnets) {
		if _, err := sess.AddMagnet(uri, *outputDir); err != nil {
			log.Errorf("adding magnet %s: %v", uri, err)
		}
	}

	log.Infof("peerengined running with %d torrents", len(sess.Torrents()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Infoln("shutting down")
}

func addTorrentFile(sess *session.Session, path, outputDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	mi, err := metainfo.New(f)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	name := mi.Info.Name
	if name == "" {
		name = path
	}
	_, err = sess.AddTorrent(mi, name, outputDir)
	return err
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
