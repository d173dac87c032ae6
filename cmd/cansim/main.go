// Command cansim replays, generates and logs CAN traffic on a SocketCAN
// interface.
//
//	# replay a capture with its original timing, logging the bus
//	cansim -iface vcan0 -replay log.csv -log-out out.csv
//
//	# replay, halving byte 2 of every 0x110 frame
//	cansim -iface vcan0 -replay log.csv -modify "id:0x110:byte:2:scale:0.5" -log-out out.csv
//
//	# send 0x110 [00 3C] at 10 Hz until interrupted
//	cansim -iface vcan0 -gen "id:0x110:d1:00:d2:3C:freq:10" -log-out out.csv,out.pcap
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/notnil/cansim/internal/config"
	"github.com/notnil/cansim/internal/runner"
)

func main() {
	cfg, err := config.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.Run(ctx, cfg, nil, os.Stdout, os.Stderr); err != nil {
		log.Fatalf("cansim: %v", err)
	}
}
