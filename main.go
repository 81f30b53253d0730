package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wristlink/config"
	"wristlink/discovery"
	"wristlink/session"
	"wristlink/storage"
	"wristlink/transport"
)

func main() {
	connectTo := flag.String("connect", "", "peer address to dial, or \"auto\" to discover one on the LAN")
	listenOn := flag.String("listen", "", "listen address override")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Str("app", "wristlink").Logger()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while loading config")
	}

	dataDir := filepath.Dir(cfgPath)
	journal, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while opening journal")
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Warn().Err(err).Msg("journal close error")
		}
	}()

	logger.Info().
		Str("device_id", cfg.DeviceID).
		Str("device_name", cfg.DeviceName).
		Str("config", cfgPath).
		Str("journal", dbPath).
		Msg("starting")

	tlog := &transferLog{log: logger, journal: journal}

	initiator := *connectTo != ""
	channel := &lazyChannel{}
	sess, err := session.New(session.Options{
		Transport:             channel,
		Logger:                logger,
		Initiator:             initiator,
		RetryDelay:            time.Duration(cfg.Link.RetryDelayMS) * time.Millisecond,
		RetryLimit:            cfg.Link.RetryLimit,
		ClosedObjectTimeout:   time.Duration(cfg.Link.ClosedObjectTimeoutMS) * time.Millisecond,
		MaxInboundObjectSize:  cfg.Link.MaxObjectSize,
		MaxOutboundObjectSize: cfg.Link.MaxObjectSize,
		OnObjectDelivered:     func(int) { tlog.delivered() },
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create session")
	}
	channel.Channel = transport.NewChannel(sess, logger)

	sess.SubscribeConnection(func(connected bool) {
		if connected {
			version, tx, rx := sess.Negotiated()
			logger.Info().Uint8("version", version).Int("tx", tx).Int("rx", rx).Msg("link up")
		} else {
			logger.Info().Msg("link down")
		}
	})
	sess.SubscribeMessage(func(object []byte) {
		id := uuid.NewString()
		if err := journal.RecordReceived(id, int64(len(object))); err != nil {
			logger.Warn().Err(err).Msg("journal write failed")
		}
		fmt.Printf("peer: %s\n", bytes.TrimSuffix(object, []byte{session.Terminator}))
	})
	sess.SubscribeError(func(object []byte) {
		logger.Warn().Int("size", len(object)).Msg("object dropped")
		tlog.dropped("dropped before delivery")
	})

	if err := sess.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start session")
	}
	defer sess.Stop()

	listenAddress := cfg.ListenAddress
	if *listenOn != "" {
		listenAddress = *listenOn
	}
	addr, err := channel.Listen(listenAddress)
	if err != nil {
		logger.Fatal().Err(err).Msg("listen")
	}
	logger.Info().Stringer("addr", addr).Msg("listening")

	broadcaster := startDiscovery(logger, cfg, addr)
	defer broadcaster.Stop()

	if *connectTo != "" {
		peerAddr := *connectTo
		if peerAddr == "auto" {
			peerAddr, err = discoverPeer(cfg)
			if err != nil {
				logger.Fatal().Err(err).Msg("peer discovery failed")
			}
			logger.Info().Str("peer", peerAddr).Msg("discovered peer")
		}
		if err := channel.Dial(peerAddr); err != nil {
			logger.Fatal().Err(err).Str("peer", peerAddr).Msg("dial failed")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go readInput(ctx, logger, sess, journal, tlog)

	logger.Info().Msg("running (press Ctrl+C to stop, type lines to send, /history for the journal)")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
}

// lazyChannel defers channel construction so the session and channel can
// reference each other.
type lazyChannel struct {
	*transport.Channel
}

func startDiscovery(logger zerolog.Logger, cfg *config.DeviceConfig, addr net.Addr) *discovery.Broadcaster {
	port := 0
	if _, portText, err := net.SplitHostPort(addr.String()); err == nil {
		port, _ = strconv.Atoi(portText)
	}

	broadcaster, err := discovery.StartBroadcaster(discovery.Config{
		SelfDeviceID:  cfg.DeviceID,
		DeviceName:    cfg.DeviceName,
		ListeningPort: port,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("discovery startup failed")
		return nil
	}
	logger.Info().Msg("discovery running")
	return broadcaster
}

func discoverPeer(cfg *config.DeviceConfig) (string, error) {
	peers, err := discovery.Lookup(context.Background(), discovery.Config{
		SelfDeviceID: cfg.DeviceID,
	})
	if err != nil {
		return "", err
	}
	for _, peer := range peers {
		if addr := peer.Addr(); addr != "" {
			return addr, nil
		}
	}
	return "", fmt.Errorf("no companion peers found")
}

func readInput(ctx context.Context, logger zerolog.Logger, sess *session.Session, journal *storage.Journal, tlog *transferLog) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if string(line) == "/history" {
			printHistory(logger, journal)
			continue
		}

		payload := append([]byte(nil), line...)
		id := uuid.NewString()
		if err := journal.RecordQueued(id, int64(len(payload)+1)); err != nil {
			logger.Warn().Err(err).Msg("journal write failed")
		}
		tlog.track(id)
		if err := sess.PostObject(payload); err != nil {
			tlog.untrack(id)
			if uerr := journal.UpdateStatus(id, storage.StatusDropped, err.Error()); uerr != nil {
				logger.Warn().Err(uerr).Msg("journal write failed")
			}
			logger.Warn().Err(err).Msg("post failed")
			continue
		}
	}
}

func printHistory(logger zerolog.Logger, journal *storage.Journal) {
	transfers, err := journal.ListRecent(10)
	if err != nil {
		logger.Warn().Err(err).Msg("journal read failed")
		return
	}
	if len(transfers) == 0 {
		fmt.Println("no transfers yet")
		return
	}
	for _, tr := range transfers {
		fmt.Printf("%s  %-7s %-9s %5dB  %s\n",
			time.UnixMilli(tr.CreatedAt).Format(time.RFC3339), tr.Direction, tr.Status, tr.Size, tr.Detail)
	}
}

// transferLog pairs session delivery outcomes with journal rows. Outcomes for
// posted objects arrive in queue order, so a FIFO of transfer IDs is enough
// to match them up.
type transferLog struct {
	log     zerolog.Logger
	journal *storage.Journal

	mu      sync.Mutex
	pending []string
}

func (tl *transferLog) track(id string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.pending = append(tl.pending, id)
}

func (tl *transferLog) untrack(id string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for i, candidate := range tl.pending {
		if candidate == id {
			tl.pending = append(tl.pending[:i], tl.pending[i+1:]...)
			return
		}
	}
}

func (tl *transferLog) delivered() {
	tl.finish(storage.StatusDelivered, "")
}

func (tl *transferLog) dropped(detail string) {
	tl.finish(storage.StatusDropped, detail)
}

func (tl *transferLog) finish(status, detail string) {
	tl.mu.Lock()
	if len(tl.pending) == 0 {
		tl.mu.Unlock()
		tl.log.Debug().Str("status", status).Msg("transfer outcome with nothing tracked")
		return
	}
	id := tl.pending[0]
	tl.pending = tl.pending[1:]
	tl.mu.Unlock()

	if err := tl.journal.UpdateStatus(id, status, detail); err != nil {
		tl.log.Warn().Err(err).Str("transfer_id", id).Msg("journal write failed")
	}
}
