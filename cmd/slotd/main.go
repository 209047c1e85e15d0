package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"example.com/slotpack/internal/common"
	"example.com/slotpack/internal/server"
)

type logConfig struct {
	Directory  string `yaml:"directory"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

type config struct {
	Port           int       `yaml:"port"`
	StorageDir     string    `yaml:"storageDir"`
	GzipLevel      int       `yaml:"gzipLevel"`
	KeepWhitespace bool      `yaml:"keepWhitespace"`
	PatchLog       string    `yaml:"patchLog"`
	MaxUploadMB    int64     `yaml:"maxUploadMB"`
	Logs           logConfig `yaml:"logs"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && err != io.EOF {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return cfg, err
	}
	baseDir := filepath.Dir(path)
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = filepath.Join(".", "data")
	} else {
		cfg.StorageDir = resolvePath(cfg.StorageDir)
	}
	if cfg.PatchLog != "" {
		cfg.PatchLog = resolvePath(cfg.PatchLog)
	}
	if cfg.GzipLevel < 0 || cfg.GzipLevel > 9 {
		return cfg, fmt.Errorf("gzipLevel %d outside 0..9", cfg.GzipLevel)
	}
	if cfg.Logs.Directory == "" {
		cfg.Logs.Directory = filepath.Join(cfg.StorageDir, "logs")
	} else {
		cfg.Logs.Directory = resolvePath(cfg.Logs.Directory)
	}
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	return cfg, nil
}

func setupLogging(cfg config) (io.Closer, error) {
	if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Logs.Directory, "slotd.log"),
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	common.SetLogOutput(io.MultiWriter(os.Stdout, rotator))
	return rotator, nil
}

func main() {
	configPath := pflag.String("config", "config/slotd.yaml", "path to configuration file")
	addr := pflag.String("addr", "", "listen address (overrides config port)")
	readTimeout := pflag.Duration("read-timeout", 60*time.Second, "HTTP read timeout")
	writeTimeout := pflag.Duration("write-timeout", 120*time.Second, "HTTP write timeout")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		common.Fatalf("load config: %v", err)
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		common.Fatalf("storage dir: %v", err)
	}
	logs, err := setupLogging(cfg)
	if err != nil {
		common.Fatalf("setup logging: %v", err)
	}
	defer logs.Close()

	listenAddr := fmt.Sprintf(":%d", cfg.Port)
	if *addr != "" {
		listenAddr = *addr
	}
	srv, err := server.NewServer(server.Options{
		StorageDir:     cfg.StorageDir,
		GzipLevel:      cfg.GzipLevel,
		KeepWhitespace: cfg.KeepWhitespace,
		PatchLogPath:   cfg.PatchLog,
		MaxUploadBytes: cfg.MaxUploadMB << 20,
	})
	if err != nil {
		common.Fatalf("server init: %v", err)
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      server.NewRouter(srv),
		ReadTimeout:  *readTimeout,
		WriteTimeout: *writeTimeout,
	}

	common.Logf("slotd listening on %s", listenAddr)
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.Fatalf("listen: %v", err)
		}
	}()

	<-shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		common.Warnf("shutdown: %v", err)
	}
	common.Logf("slotd stopped")
}
