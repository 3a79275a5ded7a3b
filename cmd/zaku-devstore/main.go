// Command zaku-devstore runs an in-memory Redis-protocol server for local
// development and demos, so zaku-server has a backing store to talk to
// without a real Redis install.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6379", "listen address")
	flag.Parse()

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(*addr); err != nil {
		log.Fatalf("zaku-devstore: failed to start: %v", err)
	}
	defer s.Close()

	log.Printf("zaku-devstore: listening on %s", s.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("zaku-devstore: shutting down")
}
