package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
)

// StartTCPStream accepts newline-delimited events. Each connection is its
// own stream with its own CSV header.
func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- model.ProcessEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return
	}
	serveTCP(ctx, ln, cfg, out, logger)
}

func serveTCP(ctx context.Context, ln net.Listener, cfg *config.Manager, out chan<- model.ProcessEvent, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, cfg, out, logger)
		}
	}()
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, cfg *config.Manager, out chan<- model.ProcessEvent, logger *slog.Logger) {
	defer conn.Close()
	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		fields, err := parser.ParseLine(scanner.Text())
		if err != nil || fields == nil {
			if err != nil && logger != nil {
				logger.Warn("tcp stream parse error", "remote", conn.RemoteAddr().String(), "err", err)
			}
			continue
		}
		_ = emit(ctx, fields, "tcp_stream", cfg, out, logger)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
