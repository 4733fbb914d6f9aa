/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gh "github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinode/jsonco"

	"github.com/emberchat/ember/server/auth"
	"github.com/emberchat/ember/server/logs"
)

const (
	// Terminate session after this timeout.
	idleSessionTimeout = time.Second * 55

	// Maximum inbound frame size unless overridden by config.
	defaultMaxMessageSize = 1 << 18
)

type configType struct {
	// Address and port to listen on.
	Listen string `json:"listen"`
	// HMAC key for validating bearer tokens, base64, min 32 bytes.
	AuthKey []byte `json:"auth_key"`
	// Salt for API keys presented on the broadcast ingest.
	APIKeySalt []byte `json:"api_key_salt"`
	// XTEA key obfuscating session IDs, 16 bytes. Random if missing.
	SidKey []byte `json:"sid_key"`
	// Maximum size of an inbound frame in bytes.
	MaxMessageSize int64 `json:"max_message_size"`
	// Path to serve Prometheus metrics at, "-" to disable.
	MetricsPath string `json:"metrics_path"`
}

func main() {
	logs.Init()
	logs.Info.Printf("server pid=%d started", os.Getpid())

	var configfile = flag.String("config", "./ember.conf", "Path to config file.")
	var listenOn = flag.String("listen", "", "Override config address and port to listen on.")
	flag.Parse()

	logs.Info.Printf("using config from '%s'", *configfile)

	var config configType
	file, err := os.Open(*configfile)
	if err != nil {
		logs.Err.Fatal("failed to read config file:", err)
	}
	jr := jsonco.New(file)
	if err = json.NewDecoder(jr).Decode(&config); err != nil {
		switch jerr := err.(type) {
		case *json.UnmarshalTypeError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Err.Fatalf("unmarshall error in config file at %d:%d (offset %d bytes): %s",
				lnum, cnum, jerr.Offset, jerr.Error())
		case *json.SyntaxError:
			lnum, cnum, _ := jr.LineAndChar(jerr.Offset)
			logs.Err.Fatalf("syntax error in config file at %d:%d (offset %d bytes): %s",
				lnum, cnum, jerr.Offset, jerr.Error())
		default:
			logs.Err.Fatal("failed to parse config file:", err)
		}
	}
	file.Close()

	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if config.Listen == "" {
		config.Listen = ":6060"
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	validator, err := auth.NewValidator(config.AuthKey)
	if err != nil {
		logs.Err.Fatal(err)
	}

	sessionStore, err := NewSessionStore(config.SidKey)
	if err != nil {
		logs.Err.Fatal("failed to init session store:", err)
	}

	hub := newHub()

	mux := http.NewServeMux()
	mux.Handle("/v0/channels", wsHandler{
		hub:            hub,
		store:          sessionStore,
		auth:           validator,
		maxMessageSize: config.MaxMessageSize,
	})
	mux.Handle("/v0/broadcast", broadcastHandler{hub: hub, apiKeySalt: config.APIKeySalt})
	if config.MetricsPath != "-" {
		mux.Handle(config.MetricsPath, gh.CompressHandler(promhttp.Handler()))
		logs.Info.Printf("stats: variables exposed at '%s'", config.MetricsPath)
	}

	server := &http.Server{Addr: config.Listen, Handler: mux}
	go func() {
		logs.Info.Printf("listening on [%s]", config.Listen)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logs.Err.Fatal(err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	logs.Info.Println("terminated by signal:", <-sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logs.Err.Println("http server failed to terminate gracefully:", err)
	}
	sessionStore.Shutdown()
	hub.Shutdown()

	logs.Info.Println("all done, good bye")
}
