package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// envelope mirrors the frames callcored sends on /ws/state.
type envelope struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:3002/ws/state", "callcored state websocket URL")
		types = flag.String("types", "", "Comma separated event types to print (default all)")
		raw   = flag.Bool("raw", false, "Print frames exactly as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	var writeMu sync.Mutex

	// The daemon pings every 20s; answer and keep the read deadline fresh.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	filter := newFilter(*types)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			switch messageType {
			case websocket.TextMessage:
				if *raw {
					fmt.Printf("%s\n", message)
					continue
				}
				printFrame(os.Stdout, message, filter)
			case websocket.BinaryMessage:
				fmt.Printf("[BINARY] %d bytes\n", len(message))
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// newFilter returns a predicate over event types; an empty list keeps all.
func newFilter(list string) func(string) bool {
	if strings.TrimSpace(list) == "" {
		return func(string) bool { return true }
	}
	keep := map[string]bool{}
	for _, t := range strings.Split(list, ",") {
		if t = strings.TrimSpace(t); t != "" {
			keep[t] = true
		}
	}
	return func(t string) bool { return keep[t] }
}

// printFrame prints one state frame as a header line followed by its
// indented payload. Frames that are not envelopes are printed verbatim.
func printFrame(w io.Writer, message []byte, keep func(string) bool) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
		fmt.Fprintf(w, "[TEXT] %s\n", message)
		return
	}
	if !keep(env.Type) {
		return
	}

	ts := env.Ts.Local().Format("15:04:05.000")
	if env.Ts.IsZero() {
		ts = "--:--:--.---"
	}
	fmt.Fprintf(w, "[%s] %s\n", strings.ToUpper(env.Type), ts)

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, env.Data, "  ", "  "); err != nil {
		fmt.Fprintf(w, "  %s\n", env.Data)
		return
	}
	fmt.Fprintf(w, "  %s\n\n", buf.String())
}
