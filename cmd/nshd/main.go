// Command nshd is the universal-variable daemon: it owns the redis-backed
// store of record and serves the C10 wire protocol over a UNIX socket to
// every nsh client on the host, adapted from the teacher's
// cmd/zmux-server/main.go wiring style (construct dependencies, install a
// zap logger, serve until a fatal error).
package main

import (
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/nsh-project/nsh/internal/config"
	"github.com/nsh-project/nsh/internal/univarproto"
	"github.com/nsh-project/nsh/internal/univarstore"
)

func main() {
	cfg := config.LoadDaemon()

	logCfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		logCfg.Level = lvl
	}
	log, err := logCfg.Build()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	store := univarstore.New(cfg.RedisAddr, cfg.RedisDB, log)
	defer store.Close()

	server := univarproto.NewServer(log, store)

	_ = os.Remove(cfg.ListenSocket)
	l, err := net.Listen("unix", cfg.ListenSocket)
	if err != nil {
		log.Fatal("listen", zap.String("socket", cfg.ListenSocket), zap.Error(err))
	}
	defer l.Close()

	log.Info("nshd listening", zap.String("socket", cfg.ListenSocket), zap.String("redis", cfg.RedisAddr))

	if err := server.Serve(l); err != nil {
		log.Fatal("serve", zap.Error(err))
	}
}
