package main

import (
	"bufio"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/server"
)

const controlSocketPath = "/tmp/chatrelay.sock"

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.Load()

	if cfg.BotToken == "" {
		log.Warn("TELEGRAM_BOT_TOKEN not set, telegram signature verification disabled")
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal("failed to open database", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer database.Close()

	srvConfig := &server.ServerConfig{
		Host:         cfg.Host,
		Port:         cfg.Port,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		BotToken:     cfg.BotToken,
	}

	srv := server.New(database, srvConfig, log)

	// Control socket for management commands
	go startControlSocket(srv, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info("shutting down", zap.String("signal", sig.String()))
		os.Remove(controlSocketPath)
		os.Exit(0)
	}()

	log.Fatal("server stopped", zap.Error(srv.Start()))
}

func startControlSocket(srv *server.Server, log *zap.Logger) {
	os.Remove(controlSocketPath)

	listener, err := net.Listen("unix", controlSocketPath)
	if err != nil {
		log.Warn("failed to create control socket", zap.Error(err))
		return
	}
	defer listener.Close()
	defer os.Remove(controlSocketPath)

	log.Info("control socket listening", zap.String("path", controlSocketPath))

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(srv, conn)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	switch strings.TrimSpace(line) {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))
	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
