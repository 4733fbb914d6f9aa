// Command line watcher for the ember fanout server. Subscribes to the given
// topics with the realtime SDK and prints every event to stdout. Useful for
// eyeballing what a client would receive.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/emberchat/ember/realtime"
	"github.com/emberchat/ember/wire"
)

var (
	serverURL = flag.String("server", "ws://localhost:6060/v0/channels", "websocket address of the ember server")
	token     = flag.String("token", "", "bearer token to authenticate with")
	channels  = flag.String("channels", "", "comma-separated channel ids to watch")
	dms       = flag.String("dms", "", "comma-separated DM thread ids to watch")
	rooms     = flag.String("rooms", "", "comma-separated room ids to watch presence for")
	home      = flag.Bool("home", true, "watch the personal home feed")
	verbose   = flag.Bool("verbose", false, "log connection state changes")
)

type stderrLogger struct{}

func (stderrLogger) Debug(string, map[string]any) {}
func (stderrLogger) Info(msg string, fields map[string]any) {
	log.Println("I", msg, fields)
}
func (stderrLogger) Warn(msg string, fields map[string]any) {
	log.Println("W", msg, fields)
}
func (stderrLogger) Error(msg string, fields map[string]any) {
	log.Println("E", msg, fields)
}

func main() {
	flag.Parse()
	log.SetOutput(os.Stderr)

	if *token == "" {
		log.Fatal("--token must be provided")
	}

	var opts []realtime.Option
	if *verbose {
		opts = append(opts, realtime.WithLogger(stderrLogger{}))
	}
	client := realtime.NewClient(realtime.DefaultConfig(*serverURL), opts...)
	defer client.Close()

	print := func(evt wire.Event) {
		data, err := json.Marshal(evt)
		if err != nil {
			log.Println("E failed to serialize event:", err)
			return
		}
		os.Stdout.Write(append(data, '\n'))
	}

	for _, id := range splitIDs(*channels) {
		client.OnChannelMessage(id, print)
		client.OnChannelMessageUpdated(id, print)
		client.OnChannelMessageDeleted(id, print)
		client.OnChannelReactions(id, print)
		client.OnPollUpdated(id, print)
	}
	for _, id := range splitIDs(*dms) {
		client.OnDMMessage(id, print)
		client.OnDMReactions(id, print)
		client.OnDMError(id, print)
	}
	for _, id := range splitIDs(*rooms) {
		client.OnRoomPresence(id, print)
	}
	if *home {
		client.OnHomeUpdated(print)
		client.OnRoomBanned(print)
		client.OnRoomUnbanned(print)
		client.OnRoomLeft(print)
		client.OnRoomKicked(print)
		client.OnRoomBanChanged(print)
		client.OnRoomMemberChanged(print)
	}
	client.OnHello(func(evt wire.Event) {
		log.Printf("I connected as '%s' sid='%s'", evt.UserID, evt.SID)
	})

	client.SetToken(*token)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
