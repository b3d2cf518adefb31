// Command asrmonitor is a thin websocket client that prints the frames
// internal/wsrelay broadcasts during an asrtest run started with
// --transport ws.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/parakeet-streamtest/internal/wsrelay"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:8787", "websocket address of a running asrtest --transport ws relay")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	fmt.Printf("connected to %s\n", *addr)
	for {
		var frame wsrelay.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("read: %v", err)
			return
		}
		fmt.Printf("[%s seq=%d] %s: %s\n", frame.ID, frame.UtteranceSeq, frame.Source, string(frame.Content))
	}
}
